// Package transformer turns raw message bodies into structured documents
// and compiles content selector expressions against them. Three content
// types are supported: JSON (jsonpath), XML (xpath) and PLAIN (regexp).
package transformer

import (
	"fmt"
	"strings"
	"sync"
)

// ContentType names a registered transformer.
type ContentType string

const (
	// ContentTypeUndefined means no content type was specified.
	ContentTypeUndefined ContentType = "UNDEFINED"

	// ContentTypeJSON selects the jsonpath transformer.
	ContentTypeJSON ContentType = "JSON"

	// ContentTypeXML selects the xpath transformer.
	ContentTypeXML ContentType = "XML"

	// ContentTypePlain selects the regexp transformer.
	ContentTypePlain ContentType = "PLAIN"
)

// ParseContentType maps a request-level content type string to a
// registered name. Unknown values are an error, absence is UNDEFINED.
func ParseContentType(value string) (ContentType, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "", "UNDEFINED":
		return ContentTypeUndefined, nil
	case "JSON", "APPLICATION/JSON":
		return ContentTypeJSON, nil
	case "XML", "APPLICATION/XML":
		return ContentTypeXML, nil
	case "PLAIN", "TEXT/PLAIN":
		return ContentTypePlain, nil
	default:
		return ContentTypeUndefined, fmt.Errorf("%q is an unknown content type", value)
	}
}

// Selector evaluates a compiled expression against a transformed
// document and returns the stringified matches.
type Selector func(doc any) ([]string, error)

// Transformer is a (transform, parser) pair for one content type.
type Transformer interface {
	// Transform parses a raw payload into the document shape the
	// selectors of this content type operate on.
	Transform(payload string) (any, error)

	// Parse compiles an expression into a selector.
	Parse(expression string) (Selector, error)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[ContentType]Transformer)
)

// Register installs a transformer for a content type. The first
// registration wins; UNDEFINED can not carry a transformer.
func Register(contentType ContentType, t Transformer) error {
	if contentType == ContentTypeUndefined {
		return fmt.Errorf("it is not allowed to register a transformer for UNDEFINED")
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[contentType]; exists {
		return nil
	}
	registry[contentType] = t

	return nil
}

// Get returns the transformer for a content type.
func Get(contentType ContentType) (Transformer, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	t, ok := registry[contentType]
	if !ok {
		return nil, fmt.Errorf("no transformer registered for %s", contentType)
	}

	return t, nil
}

func init() {
	_ = Register(ContentTypeJSON, JSONTransformer{})
	_ = Register(ContentTypeXML, XMLTransformer{})
	_ = Register(ContentTypePlain, PlainTransformer{})
}
