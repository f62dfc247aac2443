// Package protocol defines the datagram format used to carry encoded audio
// frames from the host to its guests.
package protocol

// Header layout (big-endian):
//
//	[0..1]  magic 'W' 'S'
//	[2]     version
//	[3]     flags (reserved, 0 on encode, ignored on decode)
//	[4..7]  seq
//	[8..11] timestampMs
//	[12..]  payload
const (
	Magic0  byte = 'W'
	Magic1  byte = 'S'
	Version byte = 1
)

// HeaderSize is the fixed header size: Magic(2) + Version(1) + Flags(1) + Seq(4) + TimestampMs(4).
const HeaderSize = 12

// MaxDatagramSize bounds a single audio datagram. Receivers size their read
// buffer to it; senders drop frames that would not fit.
const MaxDatagramSize = 4096

// MaxPayloadSize is the largest payload that still fits in MaxDatagramSize.
const MaxPayloadSize = MaxDatagramSize - HeaderSize

// Packet is one encoded audio frame as carried on the wire.
type Packet struct {
	Seq         uint32 // per-stream frame counter, playout order follows it
	TimestampMs uint32 // sender capture clock, informational only
	Payload     []byte // opaque encoded audio
}
