package log

import (
	"time"

	"github.com/google/uuid"
	"github.com/sidewalk-mfg/sidprov-go/pkg/wire"
)

// MaxFrameDataSize is the largest frame payload stored in an event.
const MaxFrameDataSize = 1024

// Event is one captured provisioning event.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// RunID identifies one provisioning run (UUID).
	RunID string `cbor:"2,keyasint"`

	// Direction of data flow relative to the host.
	Direction Direction `cbor:"3,keyasint"`

	// Layer where the event was captured.
	Layer Layer `cbor:"4,keyasint"`

	// Category classifies the event type.
	Category Category `cbor:"5,keyasint"`

	// Target is the J-Link device name of the part.
	Target string `cbor:"6,keyasint,omitempty"`

	// ProbeSerial is the debug probe serial number.
	ProbeSerial string `cbor:"7,keyasint,omitempty"`

	// SMSN of the device, hex encoded, once known.
	SMSN string `cbor:"8,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"`
	Message     *MessageEvent     `cbor:"11,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"14,keyasint,omitempty"`
}

// NewRunID returns a fresh run id.
func NewRunID() string {
	return uuid.NewString()
}

// Direction indicates the direction of data flow.
type Direction uint8

const (
	// DirectionIn is data read from the target.
	DirectionIn Direction = 0
	// DirectionOut is data written to the target.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates where the event was captured.
type Layer uint8

const (
	// LayerProbe is the debug probe channel (raw bytes).
	LayerProbe Layer = 0
	// LayerWire is the DPP codec (decoded frames).
	LayerWire Layer = 1
	// LayerSession is the provisioning session.
	LayerSession Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerProbe:
		return "PROBE"
	case LayerWire:
		return "WIRE"
	case LayerSession:
		return "SESSION"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryMessage is a frame or a DPP command/response.
	CategoryMessage Category = 0
	// CategoryState is a state change.
	CategoryState Category = 2
	// CategoryError is an error event.
	CategoryError Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent captures raw bytes on the probe channel.
type FrameEvent struct {
	// Size is the number of bytes transferred.
	Size int `cbor:"1,keyasint"`

	// Data is the raw bytes (may be truncated).
	Data []byte `cbor:"2,keyasint,omitempty"`

	// Truncated indicates if Data was truncated.
	Truncated bool `cbor:"3,keyasint,omitempty"`
}

// NewFrameEvent builds a frame event, truncating large payloads.
func NewFrameEvent(data []byte) *FrameEvent {
	ev := &FrameEvent{Size: len(data), Data: data}
	if len(data) > MaxFrameDataSize {
		ev.Data = data[:MaxFrameDataSize]
		ev.Truncated = true
	}
	ev.Data = append([]byte{}, ev.Data...)
	return ev
}

// MessageEvent captures a decoded DPP command or response.
type MessageEvent struct {
	// Type distinguishes request and response.
	Type MessageType `cbor:"1,keyasint"`

	// Command of the request, or of the request answered.
	Command wire.Command `cbor:"2,keyasint"`

	// BodySize is the request body or response payload size.
	BodySize int `cbor:"3,keyasint"`

	// For responses: the firmware status.
	Status *wire.Status `cbor:"4,keyasint,omitempty"`

	// For failed responses: the internal error code, if reported.
	InternalError *uint32 `cbor:"5,keyasint,omitempty"`

	// For responses: time from request write to response read.
	RoundTrip *time.Duration `cbor:"6,keyasint,omitempty"`
}

// MessageType distinguishes request and response.
type MessageType uint8

const (
	// MessageTypeRequest is a DPP request.
	MessageTypeRequest MessageType = 0
	// MessageTypeResponse is a DPP response.
	MessageTypeResponse MessageType = 1
)

// String returns the message type name.
func (m MessageType) String() string {
	switch m {
	case MessageTypeRequest:
		return "REQUEST"
	case MessageTypeResponse:
		return "RESPONSE"
	default:
		return "UNKNOWN"
	}
}

// StateChangeEvent captures channel, session and run lifecycle events.
type StateChangeEvent struct {
	// Entity being changed.
	Entity StateEntity `cbor:"1,keyasint"`

	// OldState is the previous state (may be empty).
	OldState string `cbor:"2,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"3,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"4,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	// StateEntityChannel is the probe channel.
	StateEntityChannel StateEntity = 0
	// StateEntitySession is the provisioning session.
	StateEntitySession StateEntity = 1
	// StateEntityRun is the provisioning run (mode sequence).
	StateEntityRun StateEntity = 2
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityChannel:
		return "CHANNEL"
	case StateEntitySession:
		return "SESSION"
	case StateEntityRun:
		return "RUN"
	default:
		return "UNKNOWN"
	}
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	// Layer where the error occurred.
	Layer Layer `cbor:"1,keyasint"`

	// Message is the error message.
	Message string `cbor:"2,keyasint"`

	// Code is the firmware status (if applicable).
	Code *int `cbor:"3,keyasint,omitempty"`

	// Context describes what operation was being performed.
	Context string `cbor:"4,keyasint,omitempty"`
}
