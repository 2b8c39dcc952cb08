// Package partition stores large query results as fixed-size chunks that
// are loaded independently and read back with holes for missing chunks.
package partition

import (
	"sort"
	"sync"
	"time"

	"github.com/agentuity/go-cachesync/logger"
	"github.com/cockroachdb/errors"
)

var (
	ErrUnknownHandle   = errors.New("partition: unknown handle")
	ErrChunkOutOfRange = errors.New("partition: chunk index out of range")
	ErrInvalidLayout   = errors.New("partition: invalid layout")
)

// Handle identifies an open partitioned query. It is the query key.
type Handle string

// Info describes how much of a query has been loaded.
type Info struct {
	TotalChunks  int   `json:"totalChunks"`
	LoadedChunks []int `json:"loadedChunks"`
	ChunkSize    int   `json:"chunkSize"`
}

type query struct {
	key          string
	totalItems   int
	chunkSize    int
	totalChunks  int
	chunks       [][]any
	loaded       map[int]struct{}
	lastAccessed time.Time
}

type Option func(*Store)

func WithLogger(log logger.Logger) Option {
	return func(s *Store) { s.logger = log }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store holds partition descriptors. It is safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	queries map[Handle]*query
	logger  logger.Logger
	now     func() time.Time
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		queries: make(map[Handle]*query),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.NewConsoleLogger()
	}
	s.logger = s.logger.With(map[string]interface{}{"component": "partition"})
	return s
}

func chunkCount(totalItems, chunkSize int) int {
	return (totalItems + chunkSize - 1) / chunkSize
}

// Open registers a descriptor with no chunks loaded. Opening a key that is
// already open discards its chunks.
func (s *Store) Open(queryKey string, totalItems, chunkSize int) (Handle, error) {
	if chunkSize <= 0 || totalItems < 0 {
		return "", errors.Wrapf(ErrInvalidLayout, "%s: %d items in chunks of %d", queryKey, totalItems, chunkSize)
	}
	h := Handle(queryKey)
	total := chunkCount(totalItems, chunkSize)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queries[h]; ok {
		s.logger.Debug("reopening partitioned query %s", queryKey)
	}
	s.queries[h] = &query{
		key:          queryKey,
		totalItems:   totalItems,
		chunkSize:    chunkSize,
		totalChunks:  total,
		chunks:       make([][]any, total),
		loaded:       make(map[int]struct{}),
		lastAccessed: s.now(),
	}
	return h, nil
}

func (s *Store) lookup(h Handle) (*query, error) {
	q, ok := s.queries[h]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownHandle, "%s", string(h))
	}
	return q, nil
}

// PutChunk records the data of chunk idx and marks it loaded.
func (s *Store) PutChunk(h Handle, idx int, data []any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, err := s.lookup(h)
	if err != nil {
		return err
	}
	if idx < 0 || idx >= q.totalChunks {
		return errors.Wrapf(ErrChunkOutOfRange, "%s: chunk %d of %d", q.key, idx, q.totalChunks)
	}
	if len(data) > q.chunkSize {
		s.logger.Warn("chunk %d of %s has %d items, expected at most %d", idx, q.key, len(data), q.chunkSize)
	}
	chunk := make([]any, len(data))
	copy(chunk, data)
	q.chunks[idx] = chunk
	q.loaded[idx] = struct{}{}
	q.lastAccessed = s.now()
	return nil
}

// ReadAll returns one slot per chunk. Slots of chunks not loaded are nil.
func (s *Store) ReadAll(h Handle) ([][]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, err := s.lookup(h)
	if err != nil {
		return nil, err
	}
	q.lastAccessed = s.now()
	out := make([][]any, len(q.chunks))
	for i := range q.loaded {
		out[i] = make([]any, len(q.chunks[i]))
		copy(out[i], q.chunks[i])
	}
	return out, nil
}

// Flatten returns the loaded items in chunk order and the indices of the
// chunks that are still missing.
func (s *Store) Flatten(h Handle) ([]any, []int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, err := s.lookup(h)
	if err != nil {
		return nil, nil, err
	}
	q.lastAccessed = s.now()
	var items []any
	var missing []int
	for i, chunk := range q.chunks {
		if _, ok := q.loaded[i]; !ok {
			missing = append(missing, i)
			continue
		}
		items = append(items, chunk...)
	}
	return items, missing, nil
}

func (s *Store) Info(h Handle) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, err := s.lookup(h)
	if err != nil {
		return Info{}, err
	}
	loaded := make([]int, 0, len(q.loaded))
	for idx := range q.loaded {
		loaded = append(loaded, idx)
	}
	sort.Ints(loaded)
	return Info{TotalChunks: q.totalChunks, LoadedChunks: loaded, ChunkSize: q.chunkSize}, nil
}

// Close drops the descriptor and its data.
func (s *Store) Close(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queries[h]; !ok {
		return false
	}
	delete(s.queries, h)
	return true
}

// EvictIdle drops descriptors not accessed within maxIdle and returns how
// many were dropped.
func (s *Store) EvictIdle(maxIdle time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-maxIdle)
	var n int
	for h, q := range s.queries {
		if q.lastAccessed.Before(cutoff) {
			delete(s.queries, h)
			n++
		}
	}
	if n > 0 {
		s.logger.Debug("evicted %d idle partitioned queries", n)
	}
	return n
}

// Len returns the number of open queries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queries)
}

// PutChunkAs stores a typed chunk.
func PutChunkAs[T any](s *Store, h Handle, idx int, data []T) error {
	items := make([]any, len(data))
	for i, v := range data {
		items[i] = v
	}
	return s.PutChunk(h, idx, items)
}
