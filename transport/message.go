package transport

import (
	"encoding/json"

	"github.com/agentuity/go-cachesync/cache"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// ErrMalformed marks a message or batch item that cannot be applied.
var ErrMalformed = errors.New("transport: malformed message")

// MessageType is the kind of a sync message or batch item.
type MessageType string

const (
	TypeSet    MessageType = "set"
	TypeRemove MessageType = "remove"
	TypeClear  MessageType = "clear"
	TypePing   MessageType = "ping"
	TypeBatch  MessageType = "batch"
)

// BatchItem is one mutation inside a batch. For clear items Key is a key
// prefix, Storage limits the clear to one tier and Tag clears by tag.
type BatchItem struct {
	Type    MessageType     `json:"type"`
	Key     string          `json:"key,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Storage cache.Tier      `json:"storage,omitempty"`
	// TTL is in milliseconds. Zero means the receiver's default.
	TTL  int64    `json:"ttl,omitempty"`
	Tags []string `json:"tags,omitempty"`
	Tag  string   `json:"tag,omitempty"`
}

// Message is the envelope exchanged on the local bus and the relay.
type Message struct {
	Type      MessageType     `json:"type"`
	ClientID  string          `json:"clientId"`
	Timestamp int64           `json:"timestamp"`
	Key       string          `json:"key,omitempty"`
	Storage   cache.Tier      `json:"storage,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	TTL       int64           `json:"ttl,omitempty"`
	Tags      []string        `json:"tags,omitempty"`
	Tag       string          `json:"tag,omitempty"`
	Batch     []BatchItem     `json:"batch,omitempty"`
}

// Item returns the mutation carried by a non-batch message.
func (m Message) Item() BatchItem {
	return BatchItem{
		Type:    m.Type,
		Key:     m.Key,
		Data:    m.Data,
		Storage: m.Storage,
		TTL:     m.TTL,
		Tags:    m.Tags,
		Tag:     m.Tag,
	}
}

// Encode serializes the message as JSON.
func Encode(m Message) ([]byte, error) {
	buf, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "transport: encode message")
	}
	return buf, nil
}

// DecodeMessage parses and validates an envelope. Batch items are validated
// individually when applied, so one bad item does not reject the batch.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, errors.Mark(errors.Wrap(err, "transport: decode message"), ErrMalformed)
	}
	if m.ClientID == "" {
		return Message{}, errors.Wrap(ErrMalformed, "missing clientId")
	}
	switch m.Type {
	case TypeSet, TypeRemove, TypeClear, TypePing, TypeBatch:
	default:
		return Message{}, errors.Wrapf(ErrMalformed, "unknown message type %q", m.Type)
	}
	return m, nil
}

// validate checks that the item carries what its type requires and returns
// the tier it targets.
func (i BatchItem) validate() (cache.Tier, error) {
	var tier cache.Tier
	if i.Storage != "" {
		t, err := cache.ParseTier(string(i.Storage))
		if err != nil {
			return "", errors.Wrapf(ErrMalformed, "storage %q", i.Storage)
		}
		tier = t
	}
	switch i.Type {
	case TypeSet:
		if i.Key == "" {
			return "", errors.Wrap(ErrMalformed, "set without key")
		}
		if len(i.Data) == 0 {
			return "", errors.Wrapf(ErrMalformed, "set of %q without data", i.Key)
		}
		if !json.Valid(i.Data) {
			return "", errors.Wrapf(ErrMalformed, "set of %q with invalid data", i.Key)
		}
		if i.TTL < 0 {
			return "", errors.Wrapf(ErrMalformed, "set of %q with negative ttl", i.Key)
		}
	case TypeRemove:
		if i.Key == "" {
			return "", errors.Wrap(ErrMalformed, "remove without key")
		}
	case TypeClear:
		if i.Key == "" && i.Tag == "" && i.Storage == "" {
			return "", errors.Wrap(ErrMalformed, "clear without scope")
		}
	default:
		return "", errors.Wrapf(ErrMalformed, "item type %q", i.Type)
	}
	if tier == "" && i.Type != TypeClear {
		tier = cache.TierMemory
	}
	return tier, nil
}

// NewClientID returns a fresh client identity. UUIDv7 ids sort by creation
// time, which makes relay logs easier to follow.
func NewClientID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
