package hotrelay

import (
	"bytes"
	"testing"
)

func TestRewriteOutboundScenario1(t *testing.T) {
	// size=6, port=0x1234, destuid=0x002A, payload="hi"
	frame := []byte{0x00, 0x00, 0x00, 0x06, 0x12, 0x34, 0x00, 0x2A, 'h', 'i'}
	out := rewriteOutbound(frame)
	want := []byte{0x00, 0x00, 0x00, 0x04, 0x12, 0x34, 'h', 'i'}
	if !bytes.Equal(out, want) {
		t.Fatalf("rewriteOutbound = % x, want % x", out, want)
	}
}

func TestRewriteOutboundPreservesPortAndPayload(t *testing.T) {
	payload := []byte("hello world")
	size := uint32(4 + len(payload))
	frame := make([]byte, 4+int(size))
	putUint32(frame[0:4], size)
	putUint16(frame[4:6], 0xBEEF)
	putUint16(frame[6:8], 0x00FF)
	copy(frame[8:], payload)

	out := rewriteOutbound(frame)
	if decodeUint16(out[4:6]) != 0xBEEF {
		t.Fatalf("port not preserved")
	}
	if !bytes.Equal(out[6:], payload) {
		t.Fatalf("payload mutated: got %q want %q", out[6:], payload)
	}
	if decodeSize(out[0:4]) != uint32(len(payload)+2) {
		t.Fatalf("new size wrong: got %d want %d", decodeSize(out[0:4]), len(payload)+2)
	}
}

func TestDescUIDRoundTrip(t *testing.T) {
	if UnsetUID.descUID() != -1 {
		t.Fatalf("expected UnsetUID to encode as -1, got %d", UnsetUID.descUID())
	}
	if uidFromDesc(-1) != UnsetUID {
		t.Fatalf("expected -1 to decode as UnsetUID")
	}
	var uid UID = 42
	if uidFromDesc(uid.descUID()) != uid {
		t.Fatalf("round trip failed for uid %d", uid)
	}
}
