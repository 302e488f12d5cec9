// Package hasher computes content fingerprints used as cache keys and
// idempotency tokens.
package hasher

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"
	"strings"
)

// Params are grading or extraction parameters folded into a fingerprint.
type Params map[string]string

// canonical renders params as sorted key=value lines.
func (p Params) canonical() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(p[k])
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Hash returns the hex SHA-256 of data followed by the canonical params.
func Hash(data []byte, params Params) string {
	h := sha256.New()
	h.Write(data)
	h.Write([]byte{0})
	h.Write([]byte(params.canonical()))
	return hex.EncodeToString(h.Sum(nil))
}

// HashPages fingerprints an ordered page sequence. Each page is length
// prefixed so that moving bytes across a page boundary changes the digest.
func HashPages(pages [][]byte, params Params) string {
	h := sha256.New()
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(pages)))
	h.Write(n[:])
	for _, p := range pages {
		binary.BigEndian.PutUint64(n[:], uint64(len(p)))
		h.Write(n[:])
		h.Write(p)
	}
	h.Write([]byte{0})
	h.Write([]byte(params.canonical()))
	return hex.EncodeToString(h.Sum(nil))
}

// String fingerprints a text value.
func String(s string, params Params) string {
	return Hash([]byte(s), params)
}

// Key joins cache key components.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}
