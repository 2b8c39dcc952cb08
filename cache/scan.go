package cache

import (
	"context"
	"sort"
)

// Scan returns every decodable record in store ordered by key, and the keys
// of records that could not be decoded. Payloads are left undecoded.
func Scan(ctx context.Context, store DurableStore) ([]*Entry, []string, error) {
	keys, err := store.Keys(ctx)
	if err != nil {
		return nil, nil, err
	}
	sort.Strings(keys)
	entries := make([]*Entry, 0, len(keys))
	var malformed []string
	for _, key := range keys {
		data, ok, err := store.Get(ctx, key)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			continue
		}
		e, err := unmarshalRecord(key, data)
		if err != nil {
			malformed = append(malformed, key)
			continue
		}
		entries = append(entries, e)
	}
	return entries, malformed, nil
}

// Size returns the stored payload size in bytes, when known.
func (e *Entry) Size() int {
	return e.size
}
