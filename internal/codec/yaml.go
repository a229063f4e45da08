package codec

import (
	"bytes"
	"strconv"

	"gopkg.in/yaml.v3"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

func stripBOM(b []byte) []byte {
	return bytes.TrimPrefix(b, utf8BOM)
}

// ParseYAML decodes a YAML 1.1-compatible document into a DocumentTree.
//
// BOM-prefixed UTF-8 is accepted transparently. The top-level document may
// be a list; callers that expect a map must check Node.Kind themselves (the
// drift engine treats a list top level as a shape mismatch, not a parse
// failure). Line comments are preserved best-effort via yaml.Node.
func ParseYAML(path string, data []byte) (*Node, error) {
	data = stripBOM(data)

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, &ParseError{Path: path, Reason: err.Error()}
	}
	if len(root.Content) == 0 {
		// Empty document.
		return NewMap(), nil
	}
	return yamlNodeToTree(root.Content[0]), nil
}

func yamlNodeToTree(n *yaml.Node) *Node {
	switch n.Kind {
	case yaml.MappingNode:
		m := NewMap()
		for i := 0; i+1 < len(n.Content); i += 2 {
			key := n.Content[i]
			val := n.Content[i+1]
			m.Set(key.Value, yamlNodeToTree(val))
			if c := leadingComment(val); c != "" {
				m.Pairs[len(m.Pairs)-1].Value.Comment = c
			}
		}
		return m
	case yaml.SequenceNode:
		l := NewList()
		for _, item := range n.Content {
			l.Items = append(l.Items, yamlNodeToTree(item))
		}
		return l
	case yaml.ScalarNode:
		return yamlScalarToNode(n)
	case yaml.AliasNode:
		if n.Alias != nil {
			return yamlNodeToTree(n.Alias)
		}
		return NewString("")
	default:
		return NewString(n.Value)
	}
}

func leadingComment(n *yaml.Node) string {
	if n.LineComment != "" {
		return n.LineComment
	}
	return n.HeadComment
}

func yamlScalarToNode(n *yaml.Node) *Node {
	node := &Node{Kind: KindScalar, Raw: n.Value, Comment: leadingComment(n)}
	switch n.Tag {
	case "!!int":
		node.ScalarType = ScalarInt
	case "!!float":
		node.ScalarType = ScalarFloat
	case "!!bool":
		node.ScalarType = ScalarBool
		b, _ := strconv.ParseBool(n.Value)
		node.Bool = b
	case "!!null":
		node.ScalarType = ScalarNull
	default:
		// !!str and anything else: keep the literal lexical form. This is
		// what makes "0.0.0.0" and other dotted-quad/zero-padded scalars
		// survive the round trip as strings instead of being coerced.
		node.ScalarType = ScalarString
	}
	return node
}

// EmitYAML serializes a DocumentTree back to YAML bytes. Key order is
// preserved, nesting is two-space indented (the indent every config file in
// this domain uses), and a trailing newline is always present.
func EmitYAML(path string, root *Node) ([]byte, error) {
	yn, err := treeToYAMLNode(root)
	if err != nil {
		return nil, &EmitError{Path: path, Reason: err.Error()}
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(yn); err != nil {
		return nil, &EmitError{Path: path, Reason: err.Error()}
	}
	if err := enc.Close(); err != nil {
		return nil, &EmitError{Path: path, Reason: err.Error()}
	}
	return buf.Bytes(), nil
}

func treeToYAMLNode(n *Node) (*yaml.Node, error) {
	switch n.Kind {
	case KindMap:
		yn := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		for _, p := range n.Pairs {
			keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: p.Key}
			valNode, err := treeToYAMLNode(p.Value)
			if err != nil {
				return nil, err
			}
			if p.Value.Comment != "" {
				valNode.LineComment = p.Value.Comment
			}
			yn.Content = append(yn.Content, keyNode, valNode)
		}
		return yn, nil
	case KindList:
		yn := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, item := range n.Items {
			itemNode, err := treeToYAMLNode(item)
			if err != nil {
				return nil, err
			}
			yn.Content = append(yn.Content, itemNode)
		}
		return yn, nil
	case KindScalar:
		return scalarToYAMLNode(n), nil
	default:
		return nil, &EmitError{Reason: "unknown node kind"}
	}
}

func scalarToYAMLNode(n *Node) *yaml.Node {
	tag := "!!str"
	switch n.ScalarType {
	case ScalarInt:
		tag = "!!int"
	case ScalarFloat:
		tag = "!!float"
	case ScalarBool:
		tag = "!!bool"
	case ScalarNull:
		tag = "!!null"
	}
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: n.Raw}
}
