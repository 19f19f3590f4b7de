package ctlproto

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := Frame{MsgID: Command, Payload: []byte("ls -la")}

	if err := WriteFrame(&buf, want); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.MsgID != want.MsgID || string(got.Payload) != string(want.Payload) {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", got, want)
	}
}

func TestReadFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, Frame{MsgID: ClearEvents}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.MsgID != ClearEvents || len(got.Payload) != 0 {
		t.Errorf("got %+v, want empty ClearEvents frame", got)
	}
}

func TestReadFrameReturnValuePayload(t *testing.T) {
	var buf bytes.Buffer
	payload := make([]byte, 4)
	wantVal := int32(-1)
	binary.LittleEndian.PutUint32(payload, uint32(wantVal))
	if err := WriteFrame(&buf, Frame{MsgID: ReturnValue, Payload: payload}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	v := int32(binary.LittleEndian.Uint32(got.Payload))
	if v != -1 {
		t.Errorf("got returnVal=%d, want -1", v)
	}
}

func TestIsOversized(t *testing.T) {
	small := make([]byte, 1024)
	big := make([]byte, RecvBufferSize)
	if IsOversized(small) {
		t.Error("small payload flagged oversized")
	}
	if !IsOversized(big) {
		t.Error("large payload not flagged oversized")
	}
}
