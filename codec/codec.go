// Package codec implements the reversible text encoding used for compressed
// cache payloads.
//
// A value is serialized with msgpack, compressed with snappy and rendered as
// unpadded URL-safe base64 behind the [Marker] prefix. The result is safe to
// store anywhere a string can go (durable records, sync messages).
//
// Encoding and decoding never panic; failures are returned as errors so the
// cache store can fall back to an uncompressed write or treat a read as a miss.
package codec

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"
	"github.com/vmihailenco/msgpack/v5"
)

// Marker prefixes every encoded payload.
const Marker = "sz1:"

var (
	// ErrNotEncoded is returned by Decode when the input does not carry the marker.
	ErrNotEncoded = errors.New("codec: value is not encoded")
	// ErrCorrupt is returned by Decode when the encoded body cannot be reversed.
	ErrCorrupt = errors.New("codec: corrupt payload")
)

var b64 = base64.RawURLEncoding

// Marshal serializes v with msgpack.
func Marshal(v any) (_ []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("codec: marshal panic: %v", r)
		}
	}()
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, errors.Wrap(err, "codec: marshal")
	}
	return buf.Bytes(), nil
}

// Unmarshal deserializes msgpack data into out. Integers decoded into an
// interface become int64 and floats float64.
func Unmarshal(data []byte, out any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("codec: unmarshal panic: %v", r)
		}
	}()
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(out); err != nil {
		return errors.Wrap(err, "codec: unmarshal")
	}
	return nil
}

// Size returns the serialized size of v in bytes.
func Size(v any) (int, error) {
	buf, err := Marshal(v)
	if err != nil {
		return 0, err
	}
	return len(buf), nil
}

// Encode serializes and compresses v into its text form.
func Encode(v any) (string, error) {
	buf, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return EncodeBytes(buf), nil
}

// EncodeBytes compresses already serialized data into its text form.
func EncodeBytes(serialized []byte) string {
	return Marker + b64.EncodeToString(snappy.Encode(nil, serialized))
}

// DecodeBytes reverses the text transform and returns the serialized bytes.
func DecodeBytes(s string) ([]byte, error) {
	body, ok := strings.CutPrefix(s, Marker)
	if !ok {
		return nil, ErrNotEncoded
	}
	compressed, err := b64.DecodeString(body)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "codec: base64"), ErrCorrupt)
	}
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "codec: snappy"), ErrCorrupt)
	}
	return raw, nil
}

// Decode reverses Encode into out, which must be a non-nil pointer.
func Decode(s string, out any) error {
	raw, err := DecodeBytes(s)
	if err != nil {
		return err
	}
	if err := Unmarshal(raw, out); err != nil {
		return errors.Mark(err, ErrCorrupt)
	}
	return nil
}

// DecodeValue reverses Encode into an untyped value.
func DecodeValue(s string) (any, error) {
	var v any
	if err := Decode(s, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// LooksEncoded reports whether s resembles an encoded payload. It is a
// diagnostic helper: plain text that happens to start with the marker and
// contain only base64 characters is misclassified, so callers must track
// encoding explicitly.
func LooksEncoded(s string) bool {
	body, ok := strings.CutPrefix(s, Marker)
	if !ok || body == "" {
		return false
	}
	for i := 0; i < len(body); i++ {
		c := body[i]
		if !(c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-' || c == '_') {
			return false
		}
	}
	compressed, err := b64.DecodeString(body)
	if err != nil {
		return false
	}
	_, err = snappy.DecodedLen(compressed)
	return err == nil
}

// Describe renders a short diagnostic summary of s.
func Describe(s string) string {
	if !LooksEncoded(s) {
		return fmt.Sprintf("plain(%d bytes)", len(s))
	}
	raw, err := DecodeBytes(s)
	if err != nil {
		return fmt.Sprintf("encoded(%d bytes, corrupt)", len(s))
	}
	return fmt.Sprintf("encoded(%d bytes, %d raw)", len(s), len(raw))
}
