package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// MsgType distinguishes the four kinds of message on a bridge stream.
type MsgType uint8

const (
	MsgRequest MsgType = iota + 1
	MsgResponse
	MsgCallback
	MsgCallbackResult
)

func (t MsgType) String() string {
	switch t {
	case MsgRequest:
		return "request"
	case MsgResponse:
		return "response"
	case MsgCallback:
		return "callback"
	case MsgCallbackResult:
		return "callback-result"
	default:
		return fmt.Sprintf("msgtype(%d)", uint8(t))
	}
}

// Op is the operation carried by a request or callback.
type Op string

// Request operations, sent by the client.
const (
	OpExec         Op = "exec"
	OpEval         Op = "eval"
	OpSetGlobal    Op = "setGlobal"
	OpInvoke       Op = "invoke"
	OpGetObject    Op = "getObject"
	OpObjectInvoke Op = "objectInvoke"
	OpGetAttr      Op = "getattr"
	OpValue        Op = "value"
	OpRelease      Op = "release"
)

// Callback operations, sent by the minion against a RefToken.
const (
	OpLen     Op = "len"
	OpGetItem Op = "getitem"
	OpSetItem Op = "setitem"
	OpGetKey  Op = "getkey"
	OpSetKey  Op = "setkey"
	OpHas     Op = "has"
	OpDelete  Op = "delete"
	OpKeys    Op = "keys"
	OpCall    Op = "call"
)

// Hint is the return shape the caller asked for.
type Hint uint8

const (
	// HintAny returns a snapshot when possible and a handle otherwise.
	HintAny Hint = iota
	// HintValue requires a snapshot.
	HintValue
	// HintHandle always returns a handle.
	HintHandle
)

// FaultKind classifies a Fault.
type FaultKind uint8

const (
	// FaultException is an error raised by remote code.
	FaultException FaultKind = iota
	// FaultCast means the result could not be produced in the hinted shape.
	FaultCast
)

// Fault describes a failure on the far side of the stream.
type Fault struct {
	Kind      FaultKind `cbor:"1,keyasint"`
	Type      string    `cbor:"2,keyasint,omitempty"`
	Message   string    `cbor:"3,keyasint,omitempty"`
	Traceback string    `cbor:"4,keyasint,omitempty"`
}

func (f *Fault) Error() string {
	if f.Type == "" {
		return f.Message
	}
	return f.Type + ": " + f.Message
}

// Message is the envelope for every item on a bridge stream.
//
// Requests carry Op plus whichever of Code, Name, Target, Args, Bind apply.
// Responses and callback results carry Result (one encoded value) or Fault.
// Callbacks carry Op, Ref, and for item access Key and Args.
type Message struct {
	Type   MsgType           `cbor:"1,keyasint"`
	ID     uint64            `cbor:"2,keyasint"`
	Op     Op                `cbor:"3,keyasint,omitempty"`
	Code   string            `cbor:"4,keyasint,omitempty"`
	Name   string            `cbor:"5,keyasint,omitempty"`
	Target string            `cbor:"6,keyasint,omitempty"`
	Args   []cbor.RawMessage `cbor:"7,keyasint,omitempty"`
	Hint   Hint              `cbor:"8,keyasint,omitempty"`
	Bind   string            `cbor:"9,keyasint,omitempty"`
	Ref    uint64            `cbor:"10,keyasint,omitempty"`
	Key    cbor.RawMessage   `cbor:"11,keyasint,omitempty"`
	Result cbor.RawMessage   `cbor:"12,keyasint,omitempty"`
	Fault  *Fault            `cbor:"13,keyasint,omitempty"`
	Found  bool              `cbor:"14,keyasint,omitempty"`
}

// RawMessage is an encoded value carried inside a Message.
type RawMessage = cbor.RawMessage

// Encode marshals v into a RawMessage.
func Encode(v any) (RawMessage, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	return RawMessage(data), nil
}

// Decode unmarshals a RawMessage into a generic value. An empty message
// decodes to nil.
func Decode(raw RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
