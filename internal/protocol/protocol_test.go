package protocol

import (
	"testing"
	"time"
)

func TestContextAccessors(t *testing.T) {
	rc := Context{
		"url":          "mqs://mq.example.com:1414",
		"message_wait": float64(15),
		"verbose":      "True",
		"consume":      true,
		"heartbeat":    "600",
	}

	if got := rc.Scheme(); got != "mqs" {
		t.Errorf("Scheme() = %q, want mqs", got)
	}
	if got := rc.String("url"); got != "mqs://mq.example.com:1414" {
		t.Errorf("String(url) = %q", got)
	}
	if got := rc.Bool("verbose", false); !got {
		t.Error("Bool(verbose) = false, want true")
	}
	if got := rc.Bool("consume", false); !got {
		t.Error("Bool(consume) = false, want true")
	}
	if got := rc.Bool("forward", true); !got {
		t.Error("Bool(forward) with default true = false")
	}
	if got := rc.Int("heartbeat", 300); got != 600 {
		t.Errorf("Int(heartbeat) = %d, want 600", got)
	}
	if got := rc.Int("missing", 300); got != 300 {
		t.Errorf("Int(missing) = %d, want 300", got)
	}
	if got := rc.MessageWait(); got != 15*time.Second {
		t.Errorf("MessageWait() = %s, want 15s", got)
	}
	if !rc.Has("url") || rc.Has("missing") {
		t.Error("Has() misreports presence")
	}

	var nilContext Context
	if nilContext.String("url") != "" || nilContext.Bool("x", false) || nilContext.Has("x") {
		t.Error("nil context accessors are not zero-valued")
	}
}

func TestEncodeDecodeText(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{name: "plain ascii", raw: []byte("hello world")},
		{name: "utf-8", raw: []byte("åäö räksmörgås")},
		{name: "empty", raw: []byte{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text := EncodeText(tt.raw)
			got := DecodeText(text)
			if string(got) != string(tt.raw) {
				t.Errorf("DecodeText(EncodeText(%v)) = %v", tt.raw, got)
			}
		})
	}
}

func TestDecodeTextIsUTF8(t *testing.T) {
	got := DecodeText("åäö")
	want := []byte("åäö")

	if string(got) != string(want) {
		t.Errorf("DecodeText(åäö) = %v, want %v", got, want)
	}
	if len(got) != 6 {
		t.Errorf("DecodeText(åäö) = %d bytes, want the 6 UTF-8 bytes", len(got))
	}
}

func TestEncodeTextLatin1Fallback(t *testing.T) {
	raw := []byte{0x00, 0xff, 0xfe, 0x01, 0x80}

	runes := []rune(EncodeText(raw))
	if len(runes) != len(raw) {
		t.Fatalf("EncodeText(%v) = %d runes, want one per byte", raw, len(runes))
	}
	for n, r := range runes {
		if r != rune(raw[n]) {
			t.Errorf("rune %d = %U, want %U", n, r, rune(raw[n]))
		}
	}
}

func TestRequestRoundTrip(t *testing.T) {
	payload := "body"
	request := &Request{
		RequestID: "req-1",
		Action:    "PUT",
		Client:    4711,
		Context:   Context{"url": "mq://example", "endpoint": "queue:INCOMING"},
		Payload:   &payload,
	}

	raw, err := MarshalRequest(request)
	if err != nil {
		t.Fatalf("MarshalRequest() error: %v", err)
	}

	got, err := UnmarshalRequest(raw)
	if err != nil {
		t.Fatalf("UnmarshalRequest() error: %v", err)
	}

	if got.RequestID != request.RequestID || got.Action != request.Action || got.Client != request.Client {
		t.Errorf("round trip lost fields: %+v", got)
	}
	if got.Payload == nil || *got.Payload != payload {
		t.Errorf("round trip lost payload: %+v", got.Payload)
	}
	if got.Context.Endpoint() != "queue:INCOMING" {
		t.Errorf("round trip lost context: %+v", got.Context)
	}
}
