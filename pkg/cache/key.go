package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strings"
)

// Key is a cache fingerprint.
//
// Keys read as "model:type:lang:digest" so InvalidatePattern can drop all
// entries of one model or language.
type Key string

// NewKey derives the fingerprint of content as embedded by model for the
// given content type and language. Equal inputs always yield equal keys.
func NewKey(content, model, contentType, language string) Key {
	h := sha256.New()
	var n [8]byte
	for _, field := range []string{model, contentType, language, content} {
		binary.BigEndian.PutUint64(n[:], uint64(len(field)))
		h.Write(n[:])
		h.Write([]byte(field))
	}

	var b strings.Builder
	b.WriteString(label(model))
	b.WriteByte(':')
	b.WriteString(label(contentType))
	b.WriteByte(':')
	b.WriteString(label(language))
	b.WriteByte(':')
	b.WriteString(hex.EncodeToString(h.Sum(nil)))
	return Key(b.String())
}

// ContentHash returns the hex SHA-256 digest of content.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// label keeps the readable prefix free of separators; the digest already
// covers the raw value.
func label(s string) string {
	if s == "" {
		return "-"
	}
	return strings.ReplaceAll(s, ":", "_")
}
