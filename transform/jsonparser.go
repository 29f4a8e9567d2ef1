// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"io"
	"strconv"
	"strings"

	"github.com/zeebo/errs"
)

// JSONParser extracts fields from serialized documents in a column.
// Paths use dots to descend objects and numeric segments to index
// arrays. Each extracted field becomes a sibling column named after
// its path with dots replaced by underscores. Rows whose document does
// not parse get null extract columns.
type JSONParser struct{}

// Name implements Operator.
func (JSONParser) Name() string { return "json_parser" }

// Validate implements Operator.
func (JSONParser) Validate(config Config) error {
	if config.String("source_column") == "" {
		return errs.New("json_parser needs a source_column")
	}
	switch format := config.StringOr("format", "json"); format {
	case "json", "xml":
	default:
		return errs.New("unsupported format %q", format)
	}
	if len(config.Strings("fields_to_extract")) == 0 {
		return errs.New("json_parser needs fields_to_extract")
	}
	return nil
}

// Apply implements Operator.
func (op JSONParser) Apply(ctx context.Context, rows []Row, config Config) ([]Row, error) {
	if err := op.Validate(config); err != nil {
		return nil, err
	}
	sourceColumn := config.String("source_column")
	format := config.StringOr("format", "json")
	fields := config.Strings("fields_to_extract")

	targets := make([]string, len(fields))
	for i, path := range fields {
		targets[i] = strings.ReplaceAll(path, ".", "_")
	}

	out := cloneRows(rows)
	for _, row := range out {
		document := parseDocument(row[sourceColumn], format)
		for i, path := range fields {
			row[targets[i]] = walkPath(document, path)
		}
	}
	return out, nil
}

func parseDocument(value interface{}, format string) interface{} {
	var data []byte
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	case map[string]interface{}:
		return v
	default:
		return nil
	}

	switch format {
	case "json":
		var document interface{}
		if err := json.Unmarshal(data, &document); err != nil {
			return nil
		}
		return document
	case "xml":
		document, err := parseXML(data)
		if err != nil {
			return nil
		}
		return document
	default:
		return nil
	}
}

func walkPath(document interface{}, path string) interface{} {
	current := document
	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]interface{}:
			current = node[segment]
		case []interface{}:
			index, err := strconv.Atoi(segment)
			if err != nil || index < 0 || index >= len(node) {
				return nil
			}
			current = node[index]
		default:
			return nil
		}
	}
	return current
}

// parseXML decodes an XML document into nested maps. Child elements
// become keys, repeated names collect into a list, attributes are
// stored under @name and mixed text under #text. An element with only
// text becomes that text.
func parseXML(data []byte) (map[string]interface{}, error) {
	decoder := xml.NewDecoder(bytes.NewReader(data))
	for {
		token, err := decoder.Token()
		if err != nil {
			return nil, errs.Wrap(err)
		}
		if start, ok := token.(xml.StartElement); ok {
			value, err := parseXMLElement(decoder, start)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{start.Name.Local: value}, nil
		}
	}
}

func parseXMLElement(decoder *xml.Decoder, start xml.StartElement) (interface{}, error) {
	children := make(map[string]interface{})
	var text strings.Builder

	for _, attr := range start.Attr {
		children["@"+attr.Name.Local] = attr.Value
	}

	for {
		token, err := decoder.Token()
		if err != nil {
			if err == io.EOF {
				return nil, errs.New("unexpected end of document inside <%s>", start.Name.Local)
			}
			return nil, errs.Wrap(err)
		}

		switch node := token.(type) {
		case xml.StartElement:
			child, err := parseXMLElement(decoder, node)
			if err != nil {
				return nil, err
			}
			name := node.Name.Local
			switch existing := children[name].(type) {
			case nil:
				children[name] = child
			case []interface{}:
				children[name] = append(existing, child)
			default:
				children[name] = []interface{}{existing, child}
			}
		case xml.CharData:
			text.Write(node)
		case xml.EndElement:
			content := strings.TrimSpace(text.String())
			if len(children) == 0 {
				return content, nil
			}
			if content != "" {
				children["#text"] = content
			}
			return children, nil
		}
	}
}
