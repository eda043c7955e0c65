package dagcbor

import (
	"encoding/base64"
	"strconv"
	"unicode/utf8"
)

// MarshalJSON renders the node in the ATProto JSON data model: links become
// {"$link": "<cid>"} and byte strings {"$bytes": "<base64>"}.
func (n Node) MarshalJSON() ([]byte, error) {
	return n.AppendJSON(make([]byte, 0, 256)), nil
}

// AppendJSON appends the JSON form of n to out.
func (n Node) AppendJSON(out []byte) []byte {
	switch n.kind {
	case KindBool:
		return strconv.AppendBool(out, n.b)
	case KindInt:
		return strconv.AppendInt(out, n.i, 10)
	case KindFloat:
		return strconv.AppendFloat(out, n.f, 'g', -1, 64)
	case KindString:
		return appendJSONString(out, n.s)
	case KindBytes:
		out = append(out, `{"$bytes":"`...)
		out = base64.RawStdEncoding.AppendEncode(out, n.raw)
		return append(out, `"}`...)
	case KindLink:
		out = append(out, `{"$link":"`...)
		out = append(out, n.link.String()...)
		return append(out, `"}`...)
	case KindList:
		out = append(out, '[')
		for i, item := range n.list {
			if i > 0 {
				out = append(out, ',')
			}
			out = item.AppendJSON(out)
		}
		return append(out, ']')
	case KindMap:
		out = append(out, '{')
		for i, e := range n.entries {
			if i > 0 {
				out = append(out, ',')
			}
			out = appendJSONString(out, e.Key)
			out = append(out, ':')
			out = e.Value.AppendJSON(out)
		}
		return append(out, '}')
	default:
		return append(out, "null"...)
	}
}

func appendJSONString(out []byte, s string) []byte {
	out = append(out, '"')
	for i := 0; i < len(s); {
		b := s[i]
		switch {
		case b == '"':
			out = append(out, '\\', '"')
			i++
		case b == '\\':
			out = append(out, '\\', '\\')
			i++
		case b < 0x20:
			switch b {
			case '\n':
				out = append(out, '\\', 'n')
			case '\r':
				out = append(out, '\\', 'r')
			case '\t':
				out = append(out, '\\', 't')
			case '\b':
				out = append(out, '\\', 'b')
			case '\f':
				out = append(out, '\\', 'f')
			default:
				out = append(out, '\\', 'u', '0', '0', hexDigit(b>>4), hexDigit(b&0xf))
			}
			i++
		case b < utf8.RuneSelf:
			j := i + 1
			for j < len(s) && s[j] >= 0x20 && s[j] != '"' && s[j] != '\\' && s[j] < utf8.RuneSelf {
				j++
			}
			out = append(out, s[i:j]...)
			i = j
		default:
			r, size := utf8.DecodeRuneInString(s[i:])
			if r == utf8.RuneError && size == 1 {
				out = append(out, '\\', 'u', 'f', 'f', 'f', 'd')
				i++
				continue
			}
			// U+2028 and U+2029 break JavaScript string literals.
			if r == '\u2028' || r == '\u2029' {
				out = append(out, '\\', 'u', '2', '0', '2', hexDigit(byte(r&0xf)))
			} else {
				out = append(out, s[i:i+size]...)
			}
			i += size
		}
	}
	return append(out, '"')
}

func hexDigit(b byte) byte {
	if b < 10 {
		return '0' + b
	}
	return 'a' + b - 10
}
