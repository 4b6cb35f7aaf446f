// Package wire defines the CBOR encoding shared by the bridge client and the
// minion server: the message envelope, the reference and handle tokens that
// may appear anywhere inside an encoded value, and the stream codec.
//
// CBOR items are self-delimiting, so messages are written back to back on
// the transport with no additional framing.
package wire

import (
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// CBOR tag numbers for the bridge tokens. Both live in the first-come
// first-served range of the IANA registry.
const (
	RefTag    = 48101
	HandleTag = 48102
)

// Shape tells the minion what kind of proxy to build for a reference.
type Shape uint8

const (
	ShapeOpaque Shape = iota
	ShapeList
	ShapeMap
	ShapeFunc
)

func (s Shape) String() string {
	switch s {
	case ShapeList:
		return "list"
	case ShapeMap:
		return "map"
	case ShapeFunc:
		return "func"
	default:
		return "opaque"
	}
}

// RefToken names a value that lives in the caller's export table.
type RefToken struct {
	ID    uint64 `cbor:"1,keyasint"`
	Shape Shape  `cbor:"2,keyasint"`
	Type  string `cbor:"3,keyasint,omitempty"`
}

// HandleToken names a value that lives in the minion's handle store.
type HandleToken struct {
	ID      string `cbor:"1,keyasint"`
	Type    string `cbor:"2,keyasint,omitempty"`
	Display string `cbor:"3,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	tags := cbor.NewTagSet()
	opts := cbor.TagOptions{EncTag: cbor.EncTagRequired, DecTag: cbor.DecTagRequired}
	if err := tags.Add(opts, reflect.TypeOf(RefToken{}), RefTag); err != nil {
		panic(fmt.Sprintf("wire: failed to register ref tag: %v", err))
	}
	if err := tags.Add(opts, reflect.TypeOf(HandleToken{}), HandleTag); err != nil {
		panic(fmt.Sprintf("wire: failed to register handle tag: %v", err))
	}

	em, err := cbor.CanonicalEncOptions().EncModeWithTags(tags)
	if err != nil {
		panic(fmt.Sprintf("wire: failed to create CBOR enc mode: %v", err))
	}
	encMode = em

	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSigned,
	}.DecModeWithTags(tags)
	if err != nil {
		panic(fmt.Sprintf("wire: failed to create CBOR dec mode: %v", err))
	}
	decMode = dm
}

// Marshal encodes v. Tokens nested anywhere in v are emitted as tagged items.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data into v. Decoding into an interface yields int64 for
// integers, map[string]any for maps, and RefToken/HandleToken for tokens.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Encoder writes messages to a stream.
type Encoder struct {
	enc *cbor.Encoder
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: encMode.NewEncoder(w)}
}

// Encode writes one message.
func (e *Encoder) Encode(m *Message) error {
	return e.enc.Encode(m)
}

// Decoder reads messages from a stream.
type Decoder struct {
	dec *cbor.Decoder
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: decMode.NewDecoder(r)}
}

// Decode reads the next message. A truncated or malformed item is an error.
func (d *Decoder) Decode() (*Message, error) {
	var m Message
	if err := d.dec.Decode(&m); err != nil {
		return nil, err
	}
	return &m, nil
}
