package ics

import (
	"bytes"
	"mime"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Decode converts a feed payload to UTF-8. The charset declared in
// contentType wins when it decodes cleanly; otherwise valid UTF-8 (BOM
// stripped), then Windows-1251, then ISO-8859-1 are tried in that order.
// ISO-8859-1 maps every byte, so Decode always returns text.
func Decode(data []byte, contentType string) string {
	if cs := charsetOf(contentType); cs != "" {
		if s, ok := decodeWithCharset(data, cs); ok {
			return s
		}
	}
	if trimmed := bytes.TrimPrefix(data, utf8BOM); utf8.Valid(trimmed) {
		return string(trimmed)
	}
	if s, ok := decodeWith(data, charmap.Windows1251); ok {
		return s
	}
	s, _ := decodeWith(data, charmap.ISO8859_1)
	return s
}

func charsetOf(contentType string) string {
	if strings.TrimSpace(contentType) == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(params["charset"])
}

func decodeWithCharset(data []byte, name string) (string, bool) {
	switch strings.ToLower(name) {
	case "utf-8", "utf8":
		trimmed := bytes.TrimPrefix(data, utf8BOM)
		if !utf8.Valid(trimmed) {
			return "", false
		}
		return string(trimmed), true
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return "", false
	}
	return decodeWith(data, enc)
}

func decodeWith(data []byte, enc encoding.Encoding) (string, bool) {
	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return "", false
	}
	// Single-byte decoders never fail; reject output that still carries
	// replacement runes for undefined bytes.
	if bytes.ContainsRune(out, utf8.RuneError) && !bytes.ContainsRune(data, utf8.RuneError) {
		return "", false
	}
	return string(out), true
}
