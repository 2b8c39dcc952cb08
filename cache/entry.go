package cache

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/agentuity/go-cachesync/codec"
	"github.com/cockroachdb/errors"
)

type payloadFormat uint8

const (
	// formatValue holds a live Go value in Payload.
	formatValue payloadFormat = iota
	// formatMsgpack holds the msgpack serialization in raw.
	formatMsgpack
	// formatJSON holds a JSON document in raw, as received from a peer.
	formatJSON
)

// Entry is a single cached record with its metadata. UseCompression keeps the
// writer's compression request so a refresh re-applies it even when the
// first value was under the threshold.
type Entry struct {
	Key string
	// Payload is the live value, or the codec text when Encoded is true. It
	// is nil when the value is held serialized (durable tiers, peer writes).
	Payload                 any
	Encoded                 bool
	UseCompression          bool
	CreatedAt               time.Time
	ExpiresAt               time.Time
	CompressionThreshold    int
	Priority                Priority
	Tags                    []string
	RefreshStrategy         RefreshStrategy
	RefreshThresholdPercent int
	LastRefreshCheck        time.Time

	format payloadFormat
	raw    []byte
	size   int
}

func (e *Entry) expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// HasTag reports whether the entry carries tag.
func (e *Entry) HasTag(tag string) bool {
	return slices.Contains(e.Tags, tag)
}

func (e *Entry) ttl() time.Duration {
	return e.ExpiresAt.Sub(e.CreatedAt)
}

// value returns the untyped cached value, decoding it if needed.
func (e *Entry) value() (any, error) {
	if e.Encoded {
		s, ok := e.Payload.(string)
		if !ok {
			return nil, errors.Wrapf(codec.ErrCorrupt, "encoded payload of type %T", e.Payload)
		}
		return codec.DecodeValue(s)
	}
	switch e.format {
	case formatMsgpack:
		var v any
		if err := codec.Unmarshal(e.raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case formatJSON:
		var v any
		if err := json.Unmarshal(e.raw, &v); err != nil {
			return nil, errors.Wrap(err, "cache: json payload")
		}
		return v, nil
	}
	return e.Payload, nil
}

// decodeInto decodes the cached value into out, a non-nil pointer.
func (e *Entry) decodeInto(out any) error {
	if e.Encoded {
		s, ok := e.Payload.(string)
		if !ok {
			return errors.Wrapf(codec.ErrCorrupt, "encoded payload of type %T", e.Payload)
		}
		return codec.Decode(s, out)
	}
	switch e.format {
	case formatMsgpack:
		return codec.Unmarshal(e.raw, out)
	case formatJSON:
		return errors.Wrap(json.Unmarshal(e.raw, out), "cache: json payload")
	}
	buf, err := codec.Marshal(e.Payload)
	if err != nil {
		return err
	}
	return codec.Unmarshal(buf, out)
}

func (e *Entry) clone() *Entry {
	c := *e
	c.Tags = slices.Clone(e.Tags)
	return &c
}

// record is the self-describing form persisted by durable tiers.
type record struct {
	Key                     string          `msgpack:"k"`
	Format                  payloadFormat   `msgpack:"f"`
	Encoded                 bool            `msgpack:"e"`
	UseCompression          bool            `msgpack:"uc"`
	Payload                 []byte          `msgpack:"p"`
	CreatedAt               int64           `msgpack:"c"`
	ExpiresAt               int64           `msgpack:"x"`
	CompressionThreshold    int             `msgpack:"t"`
	Priority                Priority        `msgpack:"pr"`
	Tags                    []string        `msgpack:"tg"`
	RefreshStrategy         RefreshStrategy `msgpack:"rs"`
	RefreshThresholdPercent int             `msgpack:"rp"`
	LastRefreshCheck        int64           `msgpack:"lr"`
}

func marshalRecord(e *Entry) ([]byte, error) {
	r := record{
		Key:                     e.Key,
		Encoded:                 e.Encoded,
		UseCompression:          e.UseCompression,
		CreatedAt:               e.CreatedAt.UnixMilli(),
		ExpiresAt:               e.ExpiresAt.UnixMilli(),
		CompressionThreshold:    e.CompressionThreshold,
		Priority:                e.Priority,
		Tags:                    e.Tags,
		RefreshStrategy:         e.RefreshStrategy,
		RefreshThresholdPercent: e.RefreshThresholdPercent,
		LastRefreshCheck:        e.LastRefreshCheck.UnixMilli(),
	}
	switch {
	case e.Encoded:
		s, ok := e.Payload.(string)
		if !ok {
			return nil, errors.Newf("cache: encoded payload of type %T", e.Payload)
		}
		r.Format = formatValue
		r.Payload = []byte(s)
	case e.format == formatValue:
		buf, err := codec.Marshal(e.Payload)
		if err != nil {
			return nil, err
		}
		r.Format = formatMsgpack
		r.Payload = buf
	default:
		r.Format = e.format
		r.Payload = e.raw
	}
	return codec.Marshal(r)
}

func unmarshalRecord(key string, data []byte) (*Entry, error) {
	var r record
	if err := codec.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	if r.Key != key {
		return nil, errors.Newf("cache: record key %q stored under %q", r.Key, key)
	}
	e := &Entry{
		Key:                     r.Key,
		Encoded:                 r.Encoded,
		UseCompression:          r.UseCompression || r.Encoded,
		CreatedAt:               time.UnixMilli(r.CreatedAt),
		ExpiresAt:               time.UnixMilli(r.ExpiresAt),
		CompressionThreshold:    r.CompressionThreshold,
		Priority:                r.Priority,
		Tags:                    r.Tags,
		RefreshStrategy:         r.RefreshStrategy,
		RefreshThresholdPercent: r.RefreshThresholdPercent,
		LastRefreshCheck:        time.UnixMilli(r.LastRefreshCheck),
		size:                    len(r.Payload),
	}
	switch {
	case r.Encoded:
		e.Payload = string(r.Payload)
	case r.Format == formatMsgpack, r.Format == formatJSON:
		e.format = r.Format
		e.raw = r.Payload
	default:
		return nil, errors.Newf("cache: record %q has unknown payload format %d", key, r.Format)
	}
	return e, nil
}
