package protocol

import "encoding/binary"

// Encode serializes a frame into a freshly allocated datagram.
func Encode(seq, timestampMs uint32, payload []byte) []byte {
	return AppendEncode(make([]byte, 0, HeaderSize+len(payload)), seq, timestampMs, payload)
}

// AppendEncode appends the encoded datagram to dst and returns the extended
// slice. Callers on the send path reuse dst across frames.
func AppendEncode(dst []byte, seq, timestampMs uint32, payload []byte) []byte {
	var hdr [HeaderSize]byte
	hdr[0] = Magic0
	hdr[1] = Magic1
	hdr[2] = Version
	hdr[3] = 0
	binary.BigEndian.PutUint32(hdr[4:8], seq)
	binary.BigEndian.PutUint32(hdr[8:12], timestampMs)
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}

// Decode parses a datagram. It returns false for anything that is not one of
// our packets (too short, foreign magic, unknown version); on a shared
// channel that is routine, not a failure. The payload is copied into a single
// new buffer so the caller may reuse data.
func Decode(data []byte) (Packet, bool) {
	if len(data) < HeaderSize {
		return Packet{}, false
	}
	if data[0] != Magic0 || data[1] != Magic1 || data[2] != Version {
		return Packet{}, false
	}
	pkt := Packet{
		Seq:         binary.BigEndian.Uint32(data[4:8]),
		TimestampMs: binary.BigEndian.Uint32(data[8:12]),
		Payload:     make([]byte, len(data)-HeaderSize),
	}
	copy(pkt.Payload, data[HeaderSize:])
	return pkt, true
}
