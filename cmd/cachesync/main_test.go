package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agentuity/go-cachesync/cache"
	"github.com/agentuity/go-cachesync/eventing"
	"github.com/agentuity/go-cachesync/logger"
	"github.com/agentuity/go-cachesync/transport"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClearMessage(t *testing.T) {
	_, err := clearMessage("", "", "")
	assert.Error(t, err)
	_, err = clearMessage("", "", "disk")
	assert.Error(t, err)

	msg, err := clearMessage("user:", "", "local")
	require.NoError(t, err)
	assert.Equal(t, transport.TypeClear, msg.Type)
	assert.Equal(t, "user:", msg.Key)
	assert.Equal(t, cache.TierLocal, msg.Storage)
	assert.Contains(t, msg.ClientID, "cli-")

	data, err := transport.Encode(msg)
	require.NoError(t, err)
	decoded, err := transport.DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, msg.Key, decoded.Key)
}

func TestPrintMessage(t *testing.T) {
	var out bytes.Buffer
	data, err := transport.Encode(transport.Message{
		Type:      transport.TypeBatch,
		ClientID:  "0192-abcdef123456",
		Timestamp: time.Now().UnixMilli(),
		Batch: []transport.BatchItem{
			{Type: transport.TypeSet, Key: "a", Data: json.RawMessage(`"x"`), Storage: cache.TierLocal, TTL: 60000, Tags: []string{"reports"}},
			{Type: transport.TypeClear, Tag: "reports"},
		},
	})
	require.NoError(t, err)
	printMessage(&out, data)
	printMessage(&out, []byte("{"))

	text := out.String()
	assert.Contains(t, text, "ef123456 batch of 2")
	assert.Contains(t, text, "set local a tags=reports ttl=1m0s (3 bytes)")
	assert.Contains(t, text, "clear tag=reports")
	assert.Contains(t, text, "malformed")
}

func TestEntryRows(t *testing.T) {
	now := time.Now()
	rows := entryRows([]*cache.Entry{
		{Key: "live", Tags: []string{"a", "b"}, Priority: cache.PriorityHigh, ExpiresAt: now.Add(90 * time.Second), RefreshStrategy: cache.RefreshLazy, RefreshThresholdPercent: 80},
		{Key: "old", ExpiresAt: now.Add(-time.Second), Encoded: true},
	}, now)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"live", "a,b", "high", "lazy 80%", "false", "0", "1m30s"}, rows[0])
	assert.Equal(t, "expired", rows[1][6])
	assert.Equal(t, "true", rows[1][4])

	var out bytes.Buffer
	renderEntries(&out, nil, now)
	assert.Contains(t, out.String(), "Key")
}

type collected struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (c *collected) add(ctx context.Context, msg eventing.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg.Data())
	c.mu.Unlock()
}

func (c *collected) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestPublishClearCommand(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	relay, err := eventing.NewRedisClient(ctx, logger.NewTestLogger(), rdb)
	require.NoError(t, err)
	defer relay.Close()

	var got collected
	sub, err := relay.Subscribe(ctx, "tenants", got.add)
	require.NoError(t, err)
	defer sub.Close()

	rootCmd.SetArgs([]string{"publish-clear", "--redis", mr.Addr(), "--channel", "tenants", "--prefix", "user:", "--log-level", "error"})
	require.NoError(t, rootCmd.ExecuteContext(ctx))

	assert.Eventually(t, func() bool { return got.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	got.mu.Lock()
	msg, err := transport.DecodeMessage(got.msgs[0])
	got.mu.Unlock()
	require.NoError(t, err)
	assert.Equal(t, transport.TypeClear, msg.Type)
	assert.Equal(t, "user:", msg.Key)
}

func loggerFlags(t *testing.T, values map[string]string) *cobra.Command {
	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	for _, name := range []string{"log-level", "log-format", "otlp-url", "otlp-token"} {
		cmd.Flags().String(name, "", "")
	}
	for k, v := range values {
		require.NoError(t, cmd.Flags().Set(k, v))
	}
	return cmd
}

func TestLocalLoggerFormat(t *testing.T) {
	assert.Equal(t, "*logger.consoleLogger", fmt.Sprintf("%T", localLogger(loggerFlags(t, nil))))
	assert.Equal(t, "*logger.jsonLogger", fmt.Sprintf("%T", localLogger(loggerFlags(t, map[string]string{"log-format": "json"}))))
}

func TestNewLoggerFallsBackWithoutCollector(t *testing.T) {
	log, flush := newLogger(loggerFlags(t, map[string]string{"otlp-url": "ftp://collector", "log-level": "none"}))
	defer flush()
	assert.Equal(t, "*logger.consoleLogger", fmt.Sprintf("%T", log))
}
