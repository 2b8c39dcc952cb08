package partition

import (
	"testing"
	"time"

	"github.com/agentuity/go-cachesync/logger"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	now := time.Now()
	return NewStore(WithLogger(logger.NewTestLogger()), WithClock(func() time.Time { return now })), &now
}

func TestOpenInfo(t *testing.T) {
	s, _ := newTestStore(t)

	h, err := s.Open("orders", 250, 100)
	require.NoError(t, err)
	info, err := s.Info(h)
	require.NoError(t, err)
	assert.Equal(t, Info{TotalChunks: 3, LoadedChunks: []int{}, ChunkSize: 100}, info)

	h, err = s.Open("exact", 200, 100)
	require.NoError(t, err)
	info, err = s.Info(h)
	require.NoError(t, err)
	assert.Equal(t, 2, info.TotalChunks)

	h, err = s.Open("empty", 0, 10)
	require.NoError(t, err)
	info, err = s.Info(h)
	require.NoError(t, err)
	assert.Equal(t, 0, info.TotalChunks)

	_, err = s.Open("bad", 10, 0)
	assert.True(t, errors.Is(err, ErrInvalidLayout))
	_, err = s.Open("bad", -1, 10)
	assert.True(t, errors.Is(err, ErrInvalidLayout))
}

func TestHolesAreReported(t *testing.T) {
	s, _ := newTestStore(t)
	h, err := s.Open("q", 25, 10)
	require.NoError(t, err)

	require.NoError(t, s.PutChunk(h, 2, []any{20, 21, 22, 23, 24}))
	require.NoError(t, s.PutChunk(h, 0, []any{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}))

	info, err := s.Info(h)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, info.LoadedChunks)

	data, err := s.ReadAll(h)
	require.NoError(t, err)
	require.Len(t, data, 3)
	assert.Len(t, data[0], 10)
	assert.Nil(t, data[1], "unloaded chunk is a hole")
	assert.Equal(t, []any{20, 21, 22, 23, 24}, data[2])

	items, missing, err := s.Flatten(h)
	require.NoError(t, err)
	assert.Len(t, items, 15)
	assert.Equal(t, []int{1}, missing)
}

func TestPutChunkOutOfRange(t *testing.T) {
	s, _ := newTestStore(t)
	h, err := s.Open("q", 25, 10)
	require.NoError(t, err)

	assert.True(t, errors.Is(s.PutChunk(h, 3, []any{1}), ErrChunkOutOfRange))
	assert.True(t, errors.Is(s.PutChunk(h, -1, []any{1}), ErrChunkOutOfRange))

	info, err := s.Info(h)
	require.NoError(t, err)
	assert.Empty(t, info.LoadedChunks)
}

func TestPutChunkCopiesAndOverwrites(t *testing.T) {
	s, _ := newTestStore(t)
	h, err := s.Open("q", 4, 2)
	require.NoError(t, err)

	chunk := []any{"a", "b"}
	require.NoError(t, s.PutChunk(h, 0, chunk))
	chunk[0] = "mutated"
	data, err := s.ReadAll(h)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, data[0])

	data[0][1] = "also mutated"
	require.NoError(t, s.PutChunk(h, 0, []any{"c"}))
	data, err = s.ReadAll(h)
	require.NoError(t, err)
	assert.Equal(t, []any{"c"}, data[0])
}

func TestEmptyChunkIsLoaded(t *testing.T) {
	s, _ := newTestStore(t)
	h, err := s.Open("q", 4, 2)
	require.NoError(t, err)

	require.NoError(t, s.PutChunk(h, 1, nil))
	info, err := s.Info(h)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, info.LoadedChunks)
	data, err := s.ReadAll(h)
	require.NoError(t, err)
	assert.NotNil(t, data[1])
	assert.Empty(t, data[1])
	assert.Nil(t, data[0])
	assert.Nil(t, data[2])

	items, missing, err := s.Flatten(h)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Equal(t, []int{0, 2, 3}, missing)
}

func TestUnknownHandle(t *testing.T) {
	s, _ := newTestStore(t)
	h, err := s.Open("q", 4, 2)
	require.NoError(t, err)
	assert.True(t, s.Close(h))
	assert.False(t, s.Close(h))

	assert.True(t, errors.Is(s.PutChunk(h, 0, nil), ErrUnknownHandle))
	_, err = s.ReadAll(h)
	assert.True(t, errors.Is(err, ErrUnknownHandle))
	_, err = s.Info(h)
	assert.True(t, errors.Is(err, ErrUnknownHandle))
	_, _, err = s.Flatten(h)
	assert.True(t, errors.Is(err, ErrUnknownHandle))
}

func TestReopenDiscardsChunks(t *testing.T) {
	s, _ := newTestStore(t)
	h, err := s.Open("q", 4, 2)
	require.NoError(t, err)
	require.NoError(t, s.PutChunk(h, 0, []any{1, 2}))

	h2, err := s.Open("q", 6, 2)
	require.NoError(t, err)
	assert.Equal(t, h, h2)
	info, err := s.Info(h2)
	require.NoError(t, err)
	assert.Equal(t, 3, info.TotalChunks)
	assert.Empty(t, info.LoadedChunks)
}

func TestEvictIdle(t *testing.T) {
	s, now := newTestStore(t)
	stale, err := s.Open("stale", 4, 2)
	require.NoError(t, err)
	fresh, err := s.Open("fresh", 4, 2)
	require.NoError(t, err)

	*now = now.Add(time.Minute)
	require.NoError(t, s.PutChunk(fresh, 0, []any{1}))
	*now = now.Add(30 * time.Second)

	assert.Equal(t, 1, s.EvictIdle(45*time.Second))
	assert.Equal(t, 1, s.Len())
	_, err = s.Info(stale)
	assert.True(t, errors.Is(err, ErrUnknownHandle))
	_, err = s.Info(fresh)
	assert.NoError(t, err)
}

func TestPutChunkAs(t *testing.T) {
	s, _ := newTestStore(t)
	h, err := s.Open("typed", 3, 3)
	require.NoError(t, err)
	require.NoError(t, PutChunkAs(s, h, 0, []string{"x", "y", "z"}))

	items, missing, err := s.Flatten(h)
	require.NoError(t, err)
	assert.Empty(t, missing)
	assert.Equal(t, []any{"x", "y", "z"}, items)
}
