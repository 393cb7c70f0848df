// Package protocol defines the control-message vocabulary and session
// lifecycle shared by the capture producer and the ingest server. Control
// messages travel as JSON text frames over the duplex channel; raw media
// bytes travel as binary frames on the same channel and never appear here.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type tags a control message on the wire.
type Type string

// Wire message types. start and stop flow producer→consumer; the rest are
// consumer→producer acknowledgments.
const (
	TypeStart      Type = "start"
	TypeUploadInfo Type = "uploadInfo"
	TypeStop       Type = "stop"
	TypePartAck    Type = "partAck"
	TypeCompleted  Type = "completed"
	TypeError      Type = "error"
)

// ErrMalformed reports a control frame that could not be decoded or whose
// type tag is unknown. The session is left untouched by such frames.
var ErrMalformed = errors.New("protocol: malformed control message")

// Message is one control message. The concrete types below are the only
// implementations; boundaries switch exhaustively over them.
type Message interface {
	msgType() Type
}

// Start asks the consumer to open a new upload session. Key optionally
// names the destination object; when empty the consumer allocates one.
type Start struct {
	Key string `json:"key,omitempty"`
}

// UploadInfo acknowledges session readiness. UploadID is empty until the
// consumer enters multipart mode, which is deferred until enough bytes
// have arrived.
type UploadInfo struct {
	Key      string `json:"key"`
	UploadID string `json:"uploadId,omitempty"`
}

// Stop asks the consumer to finalize the current session.
type Stop struct{}

// PartAck reports one committed part.
type PartAck struct {
	PartNumber int32  `json:"partNumber"`
	Size       int64  `json:"size"`
	ETag       string `json:"etag"`
}

// Completed reports successful finalization and where the object landed.
type Completed struct {
	Location string `json:"location"`
	Key      string `json:"key"`
}

// SessionError reports a session-level failure to the producer.
type SessionError struct {
	Message string `json:"message"`
}

func (Start) msgType() Type        { return TypeStart }
func (UploadInfo) msgType() Type   { return TypeUploadInfo }
func (Stop) msgType() Type         { return TypeStop }
func (PartAck) msgType() Type      { return TypePartAck }
func (Completed) msgType() Type    { return TypeCompleted }
func (SessionError) msgType() Type { return TypeError }

// envelope is the superset wire shape; Type selects which fields are live.
type envelope struct {
	Type       Type   `json:"type"`
	Key        string `json:"key,omitempty"`
	UploadID   string `json:"uploadId,omitempty"`
	PartNumber int32  `json:"partNumber,omitempty"`
	Size       int64  `json:"size,omitempty"`
	ETag       string `json:"etag,omitempty"`
	Location   string `json:"location,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Encode serializes a control message to its JSON wire form.
func Encode(m Message) ([]byte, error) {
	env := envelope{Type: m.msgType()}
	switch v := m.(type) {
	case Start:
		env.Key = v.Key
	case UploadInfo:
		env.Key = v.Key
		env.UploadID = v.UploadID
	case Stop:
	case PartAck:
		env.PartNumber = v.PartNumber
		env.Size = v.Size
		env.ETag = v.ETag
	case Completed:
		env.Location = v.Location
		env.Key = v.Key
	case SessionError:
		env.Message = v.Message
	default:
		return nil, fmt.Errorf("protocol: unencodable message type %T", m)
	}
	return json.Marshal(env)
}

// Decode parses a JSON control frame into its concrete message type.
// Undecodable frames and unknown type tags return ErrMalformed.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch env.Type {
	case TypeStart:
		return Start{Key: env.Key}, nil
	case TypeUploadInfo:
		return UploadInfo{Key: env.Key, UploadID: env.UploadID}, nil
	case TypeStop:
		return Stop{}, nil
	case TypePartAck:
		return PartAck{PartNumber: env.PartNumber, Size: env.Size, ETag: env.ETag}, nil
	case TypeCompleted:
		return Completed{Location: env.Location, Key: env.Key}, nil
	case TypeError:
		return SessionError{Message: env.Message}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, env.Type)
	}
}
