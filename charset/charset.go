// Package charset converts between message bytes and text using a named
// character encoding. Unknown or unsupported names never fail: conversions
// silently fall back to UTF-8, the platform default for Go strings.
package charset

import (
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"
)

// Default is the encoding name used when none is configured or the
// configured one cannot be resolved.
const Default = "UTF-8"

// Codec encodes and decodes text with one resolved encoding.
// The zero value behaves like UTF-8. Codec is safe for concurrent use.
type Codec struct {
	name     string
	enc      encoding.Encoding
	fallback bool
}

// Lookup resolves an encoding by its IANA name or WHATWG label
// (e.g. "UTF-8", "ISO-8859-2", "windows-1250", "latin1").
//
// Parameters:
//   - name: The encoding name; empty selects Default
//
// Returns:
//   - A Codec for the named encoding, or a UTF-8 Codec flagged as fallback
//     if the name is unknown or unsupported
func Lookup(name string) Codec {
	name = strings.TrimSpace(name)
	if name == "" {
		return Codec{name: Default, enc: unicode.UTF8}
	}

	enc := resolve(name)
	if enc == nil {
		return Codec{name: Default, enc: unicode.UTF8, fallback: true}
	}

	return Codec{name: canonicalName(enc, name), enc: enc}
}

// canonicalName prefers the MIME name ("ISO-8859-2") over the registry
// name ("ISO_8859-2:1987").
func canonicalName(enc encoding.Encoding, requested string) string {
	for _, index := range []*ianaindex.Index{ianaindex.MIME, ianaindex.IANA} {
		if n, err := index.Name(enc); err == nil && n != "" {
			return n
		}
	}

	return requested
}

func resolve(name string) encoding.Encoding {
	if enc, err := ianaindex.IANA.Encoding(name); err == nil && enc != nil {
		return enc
	}

	if enc, err := htmlindex.Get(name); err == nil && enc != nil {
		return enc
	}

	return nil
}

// Name returns the canonical name of the resolved encoding.
func (c Codec) Name() string {
	if c.name == "" {
		return Default
	}

	return c.name
}

// IsFallback reports whether the requested encoding could not be resolved
// and UTF-8 is used in its place.
func (c Codec) IsFallback() bool {
	return c.fallback
}

// Decode converts message bytes to text. A decoder error falls back to
// interpreting b as UTF-8.
func (c Codec) Decode(b []byte) string {
	if c.enc == nil {
		return string(b)
	}

	out, err := c.enc.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}

	return string(out)
}

// Encode converts text to bytes for sending. Text the encoding cannot
// represent falls back to its UTF-8 bytes.
func (c Codec) Encode(s string) []byte {
	if c.enc == nil {
		return []byte(s)
	}

	out, err := c.enc.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return []byte(s)
	}

	return out
}
