package main

import (
	"context"
	"time"

	"github.com/agentuity/go-cachesync/cache"
	"github.com/agentuity/go-cachesync/eventing"
	"github.com/agentuity/go-cachesync/transport"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

var publishClearCmd = &cobra.Command{
	Use:   "publish-clear",
	Short: "Tell every connected client to clear keys by prefix, tag or tier",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix, _ := cmd.Flags().GetString("prefix")
		tag, _ := cmd.Flags().GetString("tag")
		storage, _ := cmd.Flags().GetString("storage")
		msg, err := clearMessage(prefix, tag, storage)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		log, flush := newLogger(cmd)
		defer flush()
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		relay, closeRelay, err := connectRelay(ctx, log, cfg)
		if err != nil {
			return err
		}
		defer closeRelay()
		if err := publish(ctx, relay, cfg.Sync.Channel, msg); err != nil {
			return err
		}
		log.Info("published %s", describeItem(msg.Item()))
		return nil
	},
}

func init() {
	publishClearCmd.Flags().String("prefix", "", "clear keys starting with this prefix")
	publishClearCmd.Flags().String("tag", "", "clear entries carrying this tag")
	publishClearCmd.Flags().String("storage", "", "limit the clear to one tier: memory, local or session")
}

// clearMessage builds a clear envelope from a CLI identity. At least one
// scope must be given.
func clearMessage(prefix, tag, storage string) (transport.Message, error) {
	if prefix == "" && tag == "" && storage == "" {
		return transport.Message{}, errors.New("one of --prefix, --tag or --storage is required")
	}
	var tier cache.Tier
	if storage != "" {
		t, err := cache.ParseTier(storage)
		if err != nil {
			return transport.Message{}, err
		}
		tier = t
	}
	return transport.Message{
		Type:      transport.TypeClear,
		ClientID:  "cli-" + transport.NewClientID(),
		Timestamp: time.Now().UnixMilli(),
		Key:       prefix,
		Tag:       tag,
		Storage:   tier,
	}, nil
}

func publish(ctx context.Context, relay eventing.Client, channel string, msg transport.Message) error {
	data, err := transport.Encode(msg)
	if err != nil {
		return err
	}
	return relay.Publish(ctx, channel, data, eventing.WithHeader("origin", "cli"))
}
