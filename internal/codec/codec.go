package codec

import "fmt"

// Parse decodes bytes in the given format into a DocumentTree. It never
// panics on recoverable syntactic issues - it returns a *ParseError.
func Parse(path string, data []byte, format Format) (*Node, error) {
	switch format {
	case FormatYAML:
		return ParseYAML(path, data)
	case FormatJSON:
		return ParseJSON(path, data)
	case FormatProperties:
		return ParseProperties(path, data)
	default:
		return nil, &ParseError{Path: path, Reason: fmt.Sprintf("unsupported format %q", format)}
	}
}

// Emit serializes a DocumentTree back to bytes in the given format.
func Emit(path string, root *Node, format Format) ([]byte, error) {
	switch format {
	case FormatYAML:
		return EmitYAML(path, root)
	case FormatJSON:
		return EmitJSON(path, root)
	case FormatProperties:
		return EmitProperties(path, root)
	default:
		return nil, &EmitError{Path: path, Reason: fmt.Sprintf("unsupported format %q", format)}
	}
}

// DetectFormat guesses a format from a file's extension, falling back to
// first-character content sniffing for extensionless files.
func DetectFormat(filename string, data []byte) Format {
	switch {
	case hasSuffix(filename, ".json"):
		return FormatJSON
	case hasSuffix(filename, ".properties"):
		return FormatProperties
	case hasSuffix(filename, ".yml"), hasSuffix(filename, ".yaml"):
		return FormatYAML
	}
	return sniffFormat(data)
}

func hasSuffix(s, suffix string) bool {
	if len(s) < len(suffix) {
		return false
	}
	return s[len(s)-len(suffix):] == suffix
}

func sniffFormat(data []byte) Format {
	trimmed := stripBOM(data)
	for _, b := range trimmed {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '{', '[':
			return FormatJSON
		default:
			return FormatYAML
		}
	}
	return FormatYAML
}
