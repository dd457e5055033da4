// Package protocol defines the wire-level request and response types
// exchanged between clients, the router and the workers, together with
// the endpoint argument grammar and the JSON codec.
package protocol

import (
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Request is the framed JSON payload a client sends to the router.
type Request struct {
	RequestID string  `json:"request_id"`
	Action    string  `json:"action"`
	Worker    string  `json:"worker,omitempty"`
	Client    int64   `json:"client"`
	Context   Context `json:"context,omitempty"`
	Payload   *string `json:"payload"`
}

// Response is the framed JSON payload returned to the client.
type Response struct {
	RequestID      string         `json:"request_id"`
	Worker         string         `json:"worker"`
	Success        bool           `json:"success"`
	Action         string         `json:"action,omitempty"`
	Message        string         `json:"message,omitempty"`
	Payload        *string        `json:"payload,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	ResponseLength int            `json:"response_length,omitempty"`
	ResponseTime   int64          `json:"response_time"`
}

// Context is the open-shaped dictionary carried on every request. Only
// the accessor-covered options are recognized by the integrations.
type Context map[string]any

// URL returns the parsed context url. A missing or malformed url is a
// configuration error on the caller side.
func (c Context) URL() (*url.URL, error) {
	raw := c.String("url")
	if raw == "" {
		return nil, fmt.Errorf("no url found in request context")
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", raw, err)
	}

	return parsed, nil
}

// Scheme returns the url scheme, or an empty string when the url is
// absent or malformed.
func (c Context) Scheme() string {
	parsed, err := c.URL()
	if err != nil {
		return ""
	}
	return parsed.Scheme
}

// Endpoint returns the raw endpoint string.
func (c Context) Endpoint() string {
	return c.String("endpoint")
}

// String returns the named option as a string, empty when absent.
func (c Context) String(key string) string {
	if c == nil {
		return ""
	}
	switch v := c[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Bool returns the named option as a bool, falling back to def when the
// option is absent or unparsable. Accepts booleans and the usual string
// spellings.
func (c Context) Bool(key string, def bool) bool {
	if c == nil {
		return def
	}
	switch v := c[key].(type) {
	case bool:
		return v
	case string:
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return def
		}
		return parsed
	default:
		return def
	}
}

// Int returns the named option as an integer, falling back to def when
// the option is absent or unparsable.
func (c Context) Int(key string, def int) int {
	if c == nil {
		return def
	}
	switch v := c[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case string:
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return def
		}
		return parsed
	default:
		return def
	}
}

// Has reports whether the named option is present at all.
func (c Context) Has(key string) bool {
	if c == nil {
		return false
	}
	_, ok := c[key]
	return ok
}

// MessageWait returns the message_wait option as a duration, zero when
// unset.
func (c Context) MessageWait() time.Duration {
	return time.Duration(c.Int("message_wait", 0)) * time.Second
}

// Metadata returns the metadata option as a map, nil when absent.
func (c Context) Metadata() map[string]any {
	if c == nil {
		return nil
	}
	if m, ok := c["metadata"].(map[string]any); ok {
		return m
	}
	return nil
}
