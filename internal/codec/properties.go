package codec

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/magiconair/properties"
)

// ParseProperties decodes a Java-style ".properties" document (as used by
// server.properties) into a DocumentTree. The document is always a flat Map:
// properties files have no native nesting, so a dotted key like
// "query.port" is one literal key, never a path into a
// nested structure.
//
// Values are kept as strings; a properties file has no type system of its
// own; the resolver applies the rule's declared value_type when comparing.
func ParseProperties(path string, data []byte) (*Node, error) {
	data = stripBOM(data)

	props, err := properties.LoadString(string(data))
	if err != nil {
		return nil, &ParseError{Path: path, Reason: err.Error()}
	}

	m := NewMap()
	for _, key := range props.Keys() {
		val, _ := props.Get(key)
		m.Set(key, propertyScalar(val))
	}
	return m, nil
}

// propertyScalar keeps the raw textual form for every value. A scalar
// resembling a number or boolean is not coerced here - only the resolver,
// armed with a rule's declared value_type, decides whether "25565" means the
// integer 25565 or the string "25565".
func propertyScalar(raw string) *Node {
	return &Node{Kind: KindScalar, ScalarType: ScalarString, Raw: raw}
}

// EmitProperties serializes a DocumentTree (which must be a map at the top
// level; nested maps are flattened with a "." separator as a best effort,
// since the format has no native nesting, and a list value is an error) back
// to ".properties" bytes, preserving key order and a trailing newline.
func EmitProperties(path string, root *Node) ([]byte, error) {
	if root.Kind != KindMap {
		return nil, &EmitError{Path: path, Reason: "properties documents must be a flat map at the top level"}
	}
	var buf bytes.Buffer
	if err := emitPropertiesMap(&buf, "", root, path); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func emitPropertiesMap(buf *bytes.Buffer, prefix string, m *Node, path string) error {
	for _, p := range m.Pairs {
		key := p.Key
		if prefix != "" {
			key = prefix + "." + p.Key
		}
		switch p.Value.Kind {
		case KindMap:
			if err := emitPropertiesMap(buf, key, p.Value, path); err != nil {
				return err
			}
		case KindScalar:
			buf.WriteString(escapePropertyKey(key))
			buf.WriteByte('=')
			buf.WriteString(escapePropertyValue(p.Value.Raw))
			buf.WriteByte('\n')
		default:
			return &EmitError{Path: path, Reason: fmt.Sprintf("cannot emit a %s as a properties value at key %q", p.Value.Kind, key)}
		}
	}
	return nil
}

func escapePropertyKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch r {
		case '=', ':', ' ', '#', '!', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func escapePropertyValue(val string) string {
	var b strings.Builder
	for _, r := range val {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r > 0x7E {
				b.WriteString(`\u`)
				b.WriteString(fmt.Sprintf("%04x", r))
			} else {
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}
