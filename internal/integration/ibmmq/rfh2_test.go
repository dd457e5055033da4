package ibmmq

import (
	"encoding/binary"
	"strings"
	"testing"

	mq "github.com/ibm-messaging/mq-golang/v5/ibmmq"
)

func TestRFH2WrapStripRoundTrip(t *testing.T) {
	codec := RFH2Codec{}
	payload := []byte(`{"name": "bob"}`)

	wrapped, format, err := codec.Wrap(payload)
	if err != nil {
		t.Fatalf("Wrap() error: %v", err)
	}
	if format != mq.MQFMT_RF_HEADER_2 {
		t.Errorf("format = %q, want MQFMT_RF_HEADER_2", format)
	}
	if string(wrapped[:4]) != rfh2StrucID {
		t.Errorf("header StrucId = %q", wrapped[:4])
	}
	if len(wrapped) <= len(payload)+rfh2FixedLength {
		t.Errorf("wrapped length = %d, want header plus folder plus payload", len(wrapped))
	}
	if !strings.Contains(string(wrapped), rfh2Folder) {
		t.Error("wrapped payload does not carry the mcd folder")
	}

	strucLength := binary.BigEndian.Uint32(wrapped[8:12])
	if strucLength%4 != 0 {
		t.Errorf("StrucLength = %d, want a multiple of 4", strucLength)
	}
	if int(strucLength)+len(payload) != len(wrapped) {
		t.Errorf("StrucLength = %d does not partition the message", strucLength)
	}

	if got := codec.Strip(wrapped); string(got) != string(payload) {
		t.Errorf("Strip(Wrap(payload)) = %q, want %q", got, payload)
	}
}

func TestRFH2StripWithoutHeader(t *testing.T) {
	codec := RFH2Codec{}

	tests := []struct {
		name    string
		payload string
	}{
		{name: "plain payload", payload: `{"name": "bob"}`},
		{name: "short payload", payload: "x"},
		{name: "header-like prefix", payload: "RFH but not a real header"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := codec.Strip([]byte(tt.payload)); string(got) != tt.payload {
				t.Errorf("Strip(%q) = %q, want input unchanged", tt.payload, got)
			}
		})
	}
}
