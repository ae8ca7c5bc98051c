package sqlite

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"
)

// Images and parameters are pooled as JSON text, so the byte form has to
// match files written by other clients of the format exactly: ", " and ": "
// separators, non-ASCII escaped as \uXXXX and object keys in sorted order.

func encodeImages(images []string) (string, error) {
	if images == nil {
		images = []string{}
	}
	s, err := canonical(images)
	if err != nil {
		return "", fmt.Errorf("encode images: %w", err)
	}
	return s, nil
}

func decodeImages(s string) ([]string, error) {
	images := []string{}
	if err := json.Unmarshal([]byte(s), &images); err != nil {
		return nil, fmt.Errorf("decode images: %w", err)
	}
	return images, nil
}

func encodeParameters(params map[string]any) (string, error) {
	if params == nil {
		params = map[string]any{}
	}
	s, err := canonical(params)
	if err != nil {
		return "", fmt.Errorf("encode parameters: %w", err)
	}
	return s, nil
}

// canonical renders v as pooled JSON text. v goes through encoding/json
// first so struct tags and Marshaler implementations are honored.
func canonical(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return "", err
	}
	var sb strings.Builder
	writeValue(&sb, tree)
	return sb.String(), nil
}

func writeValue(sb *strings.Builder, v any) {
	switch v := v.(type) {
	case nil:
		sb.WriteString("null")
	case bool:
		sb.WriteString(strconv.FormatBool(v))
	case json.Number:
		sb.WriteString(v.String())
	case string:
		writeString(sb, v)
	case []any:
		sb.WriteByte('[')
		for i, e := range v {
			if i > 0 {
				sb.WriteString(", ")
			}
			writeValue(sb, e)
		}
		sb.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			writeString(sb, k)
			sb.WriteString(": ")
			writeValue(sb, v[k])
		}
		sb.WriteByte('}')
	}
}

const hexDigits = "0123456789abcdef"

func writeString(sb *strings.Builder, s string) {
	sb.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			sb.WriteString(`\"`)
		case '\\':
			sb.WriteString(`\\`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '\t':
			sb.WriteString(`\t`)
		case '\b':
			sb.WriteString(`\b`)
		case '\f':
			sb.WriteString(`\f`)
		default:
			if r >= 0x20 && r <= 0x7e {
				sb.WriteRune(r)
				continue
			}
			if r > 0xffff {
				hi, lo := utf16.EncodeRune(r)
				writeEscape(sb, hi)
				writeEscape(sb, lo)
				continue
			}
			writeEscape(sb, r)
		}
	}
	sb.WriteByte('"')
}

func writeEscape(sb *strings.Builder, r rune) {
	sb.WriteString(`\u`)
	sb.WriteByte(hexDigits[r>>12&0xf])
	sb.WriteByte(hexDigits[r>>8&0xf])
	sb.WriteByte(hexDigits[r>>4&0xf])
	sb.WriteByte(hexDigits[r&0xf])
}
