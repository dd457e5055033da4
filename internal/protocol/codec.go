package protocol

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// EncodeText converts raw message bytes to a string that survives a JSON
// round trip: valid UTF-8 is kept as-is, anything else is decoded as
// Latin-1 so that every input byte maps to exactly one rune.
func EncodeText(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}

	runes := make([]rune, len(raw))
	for i, b := range raw {
		runes[i] = rune(b)
	}
	return string(runes)
}

// DecodeText converts a payload string to raw message bytes. Payloads
// arrive as UTF-8 through the JSON layer, so the UTF-8 encoding is the
// wire representation; the Latin-1 fallback in EncodeText is one-way
// and only exists so arbitrary broker bytes survive the trip out.
func DecodeText(text string) []byte {
	return []byte(text)
}

// MarshalRequest serializes a request for the wire.
func MarshalRequest(req *Request) ([]byte, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return raw, nil
}

// UnmarshalRequest deserializes a request from the wire.
func UnmarshalRequest(raw []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("unmarshal request: %w", err)
	}
	return &req, nil
}

// MarshalResponse serializes a response for the wire.
func MarshalResponse(resp *Response) ([]byte, error) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("marshal response: %w", err)
	}
	return raw, nil
}

// UnmarshalResponse deserializes a response from the wire.
func UnmarshalResponse(raw []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}
