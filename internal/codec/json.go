package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// ParseJSON decodes a JSON document into a DocumentTree, preserving object
// key order (encoding/json's map-based Unmarshal does not) and the lexical
// form of numbers (decoded via json.Number, never float64, so integers never
// pick up a spurious ".0").
func ParseJSON(path string, data []byte) (*Node, error) {
	data = stripBOM(data)
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	node, err := decodeJSONValue(dec, path)
	if err != nil {
		return nil, err
	}
	return node, nil
}

func decodeJSONValue(dec *json.Decoder, path string) (*Node, error) {
	tok, err := dec.Token()
	if err != nil {
		if err == io.EOF {
			return NewMap(), nil
		}
		return nil, &ParseError{Path: path, Reason: err.Error()}
	}
	return jsonTokenToNode(tok, dec, path)
}

func jsonTokenToNode(tok json.Token, dec *json.Decoder, path string) (*Node, error) {
	switch v := tok.(type) {
	case json.Delim:
		switch v {
		case '{':
			m := NewMap()
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, &ParseError{Path: path, Reason: err.Error()}
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, &ParseError{Path: path, Reason: "object key is not a string"}
				}
				val, err := decodeJSONValue(dec, path)
				if err != nil {
					return nil, err
				}
				m.Set(key, val)
			}
			if _, err := dec.Token(); err != nil { // consume '}'
				return nil, &ParseError{Path: path, Reason: err.Error()}
			}
			return m, nil
		case '[':
			l := NewList()
			for dec.More() {
				val, err := decodeJSONValue(dec, path)
				if err != nil {
					return nil, err
				}
				l.Items = append(l.Items, val)
			}
			if _, err := dec.Token(); err != nil { // consume ']'
				return nil, &ParseError{Path: path, Reason: err.Error()}
			}
			return l, nil
		default:
			return nil, &ParseError{Path: path, Reason: fmt.Sprintf("unexpected delimiter %q", v)}
		}
	case string:
		return NewString(v), nil
	case json.Number:
		raw := v.String()
		st := ScalarInt
		if strings.ContainsAny(raw, ".eE") {
			st = ScalarFloat
		}
		return &Node{Kind: KindScalar, ScalarType: st, Raw: raw}, nil
	case bool:
		return &Node{Kind: KindScalar, ScalarType: ScalarBool, Raw: fmt.Sprintf("%t", v), Bool: v}, nil
	case nil:
		return &Node{Kind: KindScalar, ScalarType: ScalarNull, Raw: "null"}, nil
	default:
		return nil, &ParseError{Path: path, Reason: fmt.Sprintf("unsupported JSON token type %T", tok)}
	}
}

// EmitJSON serializes a DocumentTree to indented JSON bytes, preserving key
// order and numeric lexical form. A trailing newline is always appended.
func EmitJSON(path string, root *Node) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeJSONNode(&buf, root, 0, path); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func writeJSONNode(buf *bytes.Buffer, n *Node, indent int, path string) error {
	switch n.Kind {
	case KindMap:
		if len(n.Pairs) == 0 {
			buf.WriteString("{}")
			return nil
		}
		buf.WriteString("{\n")
		for i, p := range n.Pairs {
			writeIndent(buf, indent+1)
			keyBytes, err := json.Marshal(p.Key)
			if err != nil {
				return &EmitError{Path: path, Reason: err.Error()}
			}
			buf.Write(keyBytes)
			buf.WriteString(": ")
			if err := writeJSONNode(buf, p.Value, indent+1, path); err != nil {
				return err
			}
			if i < len(n.Pairs)-1 {
				buf.WriteByte(',')
			}
			buf.WriteByte('\n')
		}
		writeIndent(buf, indent)
		buf.WriteByte('}')
		return nil
	case KindList:
		if len(n.Items) == 0 {
			buf.WriteString("[]")
			return nil
		}
		buf.WriteString("[\n")
		for i, item := range n.Items {
			writeIndent(buf, indent+1)
			if err := writeJSONNode(buf, item, indent+1, path); err != nil {
				return err
			}
			if i < len(n.Items)-1 {
				buf.WriteByte(',')
			}
			buf.WriteByte('\n')
		}
		writeIndent(buf, indent)
		buf.WriteByte(']')
		return nil
	case KindScalar:
		return writeJSONScalar(buf, n, path)
	default:
		return &EmitError{Path: path, Reason: "unknown node kind"}
	}
}

func writeJSONScalar(buf *bytes.Buffer, n *Node, path string) error {
	switch n.ScalarType {
	case ScalarInt, ScalarFloat:
		if n.Raw == "" {
			buf.WriteString("0")
			return nil
		}
		buf.WriteString(n.Raw)
		return nil
	case ScalarBool:
		if n.Bool {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case ScalarNull:
		buf.WriteString("null")
		return nil
	default:
		b, err := json.Marshal(n.Raw)
		if err != nil {
			return &EmitError{Path: path, Reason: err.Error()}
		}
		buf.Write(b)
		return nil
	}
}

func writeIndent(buf *bytes.Buffer, depth int) {
	for i := 0; i < depth; i++ {
		buf.WriteString("  ")
	}
}
