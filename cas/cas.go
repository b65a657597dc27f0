// Package cas provides content-addressing utilities for build outputs:
// BLAKE3 digests and canonical JSON serialization.
package cas

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"io"
	"sort"
	"time"

	"lukechampine.com/blake3"
)

// NowMs returns the current time in milliseconds since epoch.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

// CanonicalJSON converts a value to canonical JSON (stable key ordering).
// Two values that are deep-equal always encode to identical bytes.
func CanonicalJSON(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	// Round-trip through interface{} so struct field order and map order
	// no longer matter. UseNumber keeps large integers exact.
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj interface{}
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, obj); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeScalar(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil

	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil

	default:
		return writeScalar(buf, v)
	}
}

func writeScalar(buf *bytes.Buffer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	buf.Write(data)
	return nil
}

// Blake3Hash computes a BLAKE3 hash of the input and returns it as bytes.
func Blake3Hash(data []byte) []byte {
	hash := blake3.Sum256(data)
	return hash[:]
}

// Blake3HashHex computes a BLAKE3 hash and returns it as a hex string.
func Blake3HashHex(data []byte) string {
	return hex.EncodeToString(Blake3Hash(data))
}

// NewBlake3Hasher returns a new streaming BLAKE3 hasher.
func NewBlake3Hasher() *blake3.Hasher {
	return blake3.New(32, nil)
}

// HashReader streams r through BLAKE3 and returns the hex digest.
func HashReader(r io.Reader) (string, error) {
	h := NewBlake3Hasher()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ValueDigest computes blake3(kind + "\n" + canonicalJSON(v)) as hex.
// It is used to compare compiled payloads without holding both encodings.
func ValueDigest(kind string, v interface{}) (string, error) {
	canonical, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	data := append([]byte(kind+"\n"), canonical...)
	return Blake3HashHex(data), nil
}

// KeyDigest joins parts with a NUL separator and hashes them. Used for
// composite cache keys where any part may contain arbitrary characters.
func KeyDigest(parts ...string) string {
	h := NewBlake3Hasher()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
