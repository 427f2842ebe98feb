package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType tags every frame exchanged with an execution context.
type MessageType string

// Commands sent to an execution context.
const (
	TypeInit        MessageType = "init"
	TypeRunCode     MessageType = "runCode"
	TypeLoadPackage MessageType = "loadPackage"
)

// Results emitted by an execution context.
const (
	TypeInitReady         MessageType = "initReady"
	TypeInitError         MessageType = "initError"
	TypeStdout            MessageType = "stdout"
	TypeStderr            MessageType = "stderr"
	TypeGraphic           MessageType = "graphic"
	TypeExecutionComplete MessageType = "executionComplete"
	TypePackagesLoaded    MessageType = "packagesLoaded"
	TypePackageError      MessageType = "packageError"
)

// Command is a caller to context frame.
type Command struct {
	Type             MessageType `json:"type"`
	PreloadPackages  []string    `json:"preloadPackages,omitempty"`
	Code             string      `json:"code,omitempty"`
	MessageID        string      `json:"messageId,omitempty"`
	Packages         []string    `json:"packages,omitempty"`
	PackageRequestID string      `json:"packageRequestId,omitempty"`
}

// Message is a context to caller frame.
type Message struct {
	Type             MessageType `json:"type"`
	Msg              string      `json:"msg,omitempty"`
	Data             string      `json:"data,omitempty"`
	Width            int         `json:"width,omitempty"`
	Height           int         `json:"height,omitempty"`
	MessageID        string      `json:"messageId,omitempty"`
	PackageRequestID string      `json:"packageRequestId,omitempty"`
	Packages         []string    `json:"packages,omitempty"`
}

// Terminal reports whether no further messages follow for this correlation id.
func (m Message) Terminal() bool {
	return m.Type == TypeExecutionComplete
}

// Image returns the graphic payload of a graphic message.
func (m Message) Image() Image {
	return Image{Data: m.Data, Width: m.Width, Height: m.Height}
}

var ErrUnknownType = errors.New("unknown message type")

// ProtocolError reports a frame that could not be decoded or is missing
// required fields. Receivers log and drop such frames.
type ProtocolError struct {
	Frame []byte
	Err   error
}

func (e *ProtocolError) Error() string {
	frame := e.Frame
	if len(frame) > 64 {
		frame = frame[:64]
	}
	return fmt.Sprintf("protocol error: %v (frame %q)", e.Err, frame)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func EncodeCommand(cmd Command) ([]byte, error) {
	if err := cmd.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(cmd)
}

func DecodeCommand(frame []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(frame, &cmd); err != nil {
		return Command{}, &ProtocolError{Frame: frame, Err: err}
	}
	if err := cmd.validate(); err != nil {
		return Command{}, &ProtocolError{Frame: frame, Err: err}
	}
	return cmd, nil
}

func (c Command) validate() error {
	switch c.Type {
	case TypeInit:
		return nil
	case TypeRunCode:
		if c.MessageID == "" {
			return errors.New("runCode without messageId")
		}
	case TypeLoadPackage:
		if c.PackageRequestID == "" {
			return errors.New("loadPackage without packageRequestId")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, c.Type)
	}
	return nil
}

func EncodeMessage(msg Message) ([]byte, error) {
	if err := msg.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

func DecodeMessage(frame []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return Message{}, &ProtocolError{Frame: frame, Err: err}
	}
	if err := msg.validate(); err != nil {
		return Message{}, &ProtocolError{Frame: frame, Err: err}
	}
	return msg, nil
}

func (m Message) validate() error {
	switch m.Type {
	case TypeInitReady, TypeInitError:
		return nil
	case TypeStdout, TypeStderr, TypeGraphic, TypeExecutionComplete:
		if m.MessageID == "" {
			return fmt.Errorf("%s without messageId", m.Type)
		}
	case TypePackagesLoaded, TypePackageError:
		if m.PackageRequestID == "" {
			return fmt.Errorf("%s without packageRequestId", m.Type)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	return nil
}
