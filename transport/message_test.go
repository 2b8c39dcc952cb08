package transport

import (
	"encoding/json"
	"testing"

	"github.com/agentuity/go-cachesync/cache"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeShape(t *testing.T) {
	data, err := Encode(Message{
		Type:      TypeBatch,
		ClientID:  "c1",
		Timestamp: 1700000000000,
		Batch: []BatchItem{
			{Type: TypeSet, Key: "k", Data: json.RawMessage(`5`), Storage: cache.TierLocal},
			{Type: TypeRemove, Key: "gone"},
		},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type": "batch",
		"clientId": "c1",
		"timestamp": 1700000000000,
		"batch": [
			{"type": "set", "key": "k", "data": 5, "storage": "local"},
			{"type": "remove", "key": "gone"}
		]
	}`, string(data))
}

func TestDecodeMessage(t *testing.T) {
	m, err := DecodeMessage([]byte(`{"type":"set","clientId":"c2","timestamp":1,"key":"a","storage":"session","data":{"x":1}}`))
	require.NoError(t, err)
	item := m.Item()
	assert.Equal(t, TypeSet, item.Type)
	assert.Equal(t, "a", item.Key)
	assert.Equal(t, cache.TierSession, item.Storage)
	assert.JSONEq(t, `{"x":1}`, string(item.Data))

	_, err = DecodeMessage([]byte(`{"type":"set"}`))
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = DecodeMessage([]byte(`[1,2]`))
	assert.True(t, errors.Is(err, ErrMalformed))
	_, err = DecodeMessage([]byte(`{"type":"sync","clientId":"c"}`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestItemValidate(t *testing.T) {
	tier, err := BatchItem{Type: TypeSet, Key: "k", Data: json.RawMessage(`null`)}.validate()
	require.NoError(t, err)
	assert.Equal(t, cache.TierMemory, tier)

	tier, err = BatchItem{Type: TypeClear, Storage: cache.TierLocal}.validate()
	require.NoError(t, err)
	assert.Equal(t, cache.TierLocal, tier)

	_, err = BatchItem{Type: TypeSet, Key: "k", Data: json.RawMessage(`{`)}.validate()
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = BatchItem{Type: TypeSet, Key: "k", Data: json.RawMessage(`1`), TTL: -1}.validate()
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = BatchItem{Type: TypeRemove}.validate()
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = BatchItem{Type: TypeBatch}.validate()
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestNewClientID(t *testing.T) {
	a, b := NewClientID(), NewClientID()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 36)
}
