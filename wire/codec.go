package wire

// ConnectCodec lets Connect handlers and clients exchange plain Go structs
// as CBOR instead of protobuf messages.
type ConnectCodec struct{}

// Name is the codec name used in the Content-Type header.
func (ConnectCodec) Name() string { return "cbor" }

func (ConnectCodec) Marshal(v any) ([]byte, error) {
	return Marshal(v)
}

func (ConnectCodec) Unmarshal(data []byte, v any) error {
	return Unmarshal(data, v)
}
