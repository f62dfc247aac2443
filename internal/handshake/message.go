// Package handshake admits guests to a host's room over the control
// channel: one newline-delimited JSON object per message on a TCP stream.
package handshake

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// maxLineSize caps one control message.
const maxLineSize = 16 << 10

// Message is sent by both sides. Response is set only in host replies and in
// the guest's follow-up notifications.
type Message struct {
	AppIdentifier   string `json:"appIdentifier"`
	UserID          string `json:"userId"`
	DeviceName      string `json:"deviceName"`
	RoomName        string `json:"roomName,omitempty"`
	ProtocolVersion int    `json:"protocolVersion"`
	Response        Code   `json:"response,omitempty"`
	AudioPort       int    `json:"audioPort,omitempty"`

	// Audio is the host's stream format, set in host replies.
	Audio *AudioFormat `json:"audio,omitempty"`
}

// AudioFormat is what a guest needs to decode the host's datagrams.
type AudioFormat struct {
	Codec      string `json:"codec"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
	FrameMs    int    `json:"frameMs"`
}

func (f AudioFormat) String() string {
	return fmt.Sprintf("%s %d Hz x%d %d ms", f.Codec, f.SampleRate, f.Channels, f.FrameMs)
}

// Code is the closed set of handshake outcomes and control notifications.
// Values are part of the wire format.
type Code int

const (
	Success              Code = 1
	InvalidHandshake     Code = 2
	InvalidProtocol      Code = 3
	InvalidAppID         Code = 4
	InvalidUserID        Code = 5
	DeclinedByHost       Code = 6
	HostApprovalRequired Code = 7
	Error                Code = 8
	UDPSocketOpen        Code = 9
	UDPSocketClosed      Code = 10
	ExpelledByHost       Code = 11
	GuestLeftRoom        Code = 12
	RoomFull             Code = 13
	None                 Code = 14
	Timeout              Code = 15
)

func (c Code) String() string {
	switch c {
	case Success:
		return "Success"
	case InvalidHandshake:
		return "InvalidHandshake"
	case InvalidProtocol:
		return "InvalidProtocol"
	case InvalidAppID:
		return "InvalidAppId"
	case InvalidUserID:
		return "InvalidUserId"
	case DeclinedByHost:
		return "DeclinedByHost"
	case HostApprovalRequired:
		return "HostApprovalRequired"
	case Error:
		return "Error"
	case UDPSocketOpen:
		return "UdpSocketOpen"
	case UDPSocketClosed:
		return "UdpSocketClosed"
	case ExpelledByHost:
		return "ExpelledByHost"
	case GuestLeftRoom:
		return "GuestLeftRoom"
	case RoomFull:
		return "RoomFull"
	case None:
		return "None"
	case Timeout:
		return "Timeout"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// Incompatible reports whether c means the peers cannot talk at all, as
// opposed to the host refusing this guest.
func (c Code) Incompatible() bool {
	return c == InvalidAppID || c == InvalidProtocol
}

// Result is what a handshake resolved to. Msg is the message that carried
// the code; Err is set only for Error.
type Result struct {
	Code Code
	Msg  Message
	Err  string
}

func (r Result) String() string {
	if r.Code == Error && r.Err != "" {
		return "Error(" + r.Err + ")"
	}
	return r.Code.String()
}

func errorResult(err error) Result {
	return Result{Code: Error, Err: err.Error()}
}

var errLineTooLong = errors.New("handshake: message too long")

func writeMessage(w io.Writer, m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal handshake: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// readMessage reads one line. A line that is not a JSON object comes back
// as a *json.SyntaxError or *json.UnmarshalTypeError; I/O errors as is.
func readMessage(r *bufio.Reader) (Message, error) {
	var line []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return Message{}, err
		}
		line = append(line, chunk...)
		if len(line) > maxLineSize {
			return Message{}, errLineTooLong
		}
		if !isPrefix {
			break
		}
	}
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return Message{}, err
	}
	return m, nil
}

// isMalformed reports whether err is about the content of a message rather
// than the connection.
func isMalformed(err error) bool {
	var syn *json.SyntaxError
	var typ *json.UnmarshalTypeError
	return errors.As(err, &syn) || errors.As(err, &typ) || errors.Is(err, errLineTooLong)
}
