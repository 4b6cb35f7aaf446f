package wire

import (
	"bytes"
	"io"
	"testing"
)

func TestMessage_StreamRoundTrip(t *testing.T) {
	arg, err := Encode([]any{int64(1), "two", RefToken{ID: 7, Shape: ShapeList}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	if err := enc.Encode(&Message{Type: MsgRequest, ID: 1, Op: OpInvoke, Name: "len", Args: []RawMessage{arg}}); err != nil {
		t.Fatalf("Encode request: %v", err)
	}
	if err := enc.Encode(&Message{Type: MsgResponse, ID: 1, Fault: &Fault{Type: "ValueError", Message: "x"}}); err != nil {
		t.Fatalf("Encode response: %v", err)
	}

	dec := NewDecoder(&buf)
	req, err := dec.Decode()
	if err != nil {
		t.Fatalf("Decode request: %v", err)
	}
	if req.Type != MsgRequest || req.Op != OpInvoke || req.Name != "len" {
		t.Errorf("request = %+v", req)
	}
	if len(req.Args) != 1 {
		t.Fatalf("len(Args) = %d, want 1", len(req.Args))
	}

	v, err := Decode(req.Args[0])
	if err != nil {
		t.Fatalf("Decode arg: %v", err)
	}
	list, ok := v.([]any)
	if !ok || len(list) != 3 {
		t.Fatalf("arg = %#v, want 3-element list", v)
	}
	if list[0] != int64(1) {
		t.Errorf("list[0] = %#v, want int64(1)", list[0])
	}
	ref, ok := list[2].(RefToken)
	if !ok || ref.ID != 7 || ref.Shape != ShapeList {
		t.Errorf("list[2] = %#v, want RefToken{7, list}", list[2])
	}

	resp, err := dec.Decode()
	if err != nil {
		t.Fatalf("Decode response: %v", err)
	}
	if resp.Fault == nil || resp.Fault.Error() != "ValueError: x" {
		t.Errorf("fault = %+v", resp.Fault)
	}

	if _, err := dec.Decode(); err != io.EOF {
		t.Errorf("Decode at end = %v, want io.EOF", err)
	}
}

func TestDecode_HandleTokenInMap(t *testing.T) {
	raw, err := Encode(map[string]any{"h": HandleToken{ID: "h-1", Type: "Object"}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	v, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		t.Fatalf("decoded %T, want map[string]any", v)
	}
	h, ok := m["h"].(HandleToken)
	if !ok || h.ID != "h-1" {
		t.Errorf("m[h] = %#v", m["h"])
	}
}

func TestDecode_Empty(t *testing.T) {
	v, err := Decode(nil)
	if err != nil || v != nil {
		t.Errorf("Decode(nil) = %v, %v; want nil, nil", v, err)
	}
}

func TestDecoder_Truncated(t *testing.T) {
	data, err := Marshal(&Message{Type: MsgResponse, ID: 3, Code: "some code"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	dec := NewDecoder(bytes.NewReader(data[:len(data)-2]))
	if _, err := dec.Decode(); err == nil {
		t.Error("Decode of truncated message should fail")
	}
}

func TestEncode_Unsupported(t *testing.T) {
	if _, err := Encode(make(chan int)); err == nil {
		t.Error("Encode(chan) should fail")
	}
}

func TestConnectCodec(t *testing.T) {
	type status struct {
		Sessions int
		Loaded   bool
	}
	c := ConnectCodec{}
	if c.Name() != "cbor" {
		t.Errorf("Name() = %q, want cbor", c.Name())
	}
	data, err := c.Marshal(&status{Sessions: 2, Loaded: true})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got status
	if err := c.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Sessions != 2 || !got.Loaded {
		t.Errorf("got %+v", got)
	}
}
