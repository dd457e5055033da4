package transformer

import (
	"fmt"
	"strings"

	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"
)

// XMLTransformer implements xpath selection over XML documents.
type XMLTransformer struct{}

// Transform parses the payload as XML.
func (XMLTransformer) Transform(payload string) (any, error) {
	doc, err := xmlquery.Parse(strings.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to transform input as XML: %w", err)
	}
	return doc, nil
}

// Parse compiles an xpath expression. Text expressions select node text,
// element expressions the outer XML, attribute expressions the attribute
// value.
func (XMLTransformer) Parse(expression string) (Selector, error) {
	compiled, err := xpath.Compile(expression)
	if err != nil {
		return nil, fmt.Errorf("unable to parse XPath %q: %w", expression, err)
	}

	return func(doc any) ([]string, error) {
		root, ok := doc.(*xmlquery.Node)
		if !ok {
			return nil, fmt.Errorf("expected an XML document, got %T", doc)
		}

		var matches []string
		for _, node := range xmlquery.QuerySelectorAll(root, compiled) {
			switch node.Type {
			case xmlquery.TextNode, xmlquery.CharDataNode:
				matches = append(matches, node.Data)
			case xmlquery.AttributeNode:
				matches = append(matches, node.InnerText())
			default:
				matches = append(matches, node.OutputXML(true))
			}
		}

		return matches, nil
	}, nil
}
