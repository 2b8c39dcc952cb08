package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/agentuity/go-cachesync/eventing"
	"github.com/agentuity/go-cachesync/transport"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print every sync message published on the relay channel",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
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

		out := cmd.OutOrStdout()
		sub, err := relay.Subscribe(ctx, cfg.Sync.Channel, func(ctx context.Context, msg eventing.Message) {
			printMessage(out, msg.Data())
		})
		if err != nil {
			return err
		}
		defer sub.Close()
		log.Info("watching channel %s on %s", cfg.Sync.Channel, cfg.Redis.Addr)
		<-ctx.Done()
		return nil
	},
}

func printMessage(out io.Writer, data []byte) {
	msg, err := transport.DecodeMessage(data)
	if err != nil {
		fmt.Fprintf(out, "%s malformed: %s\n", time.Now().Format(time.TimeOnly), err)
		return
	}
	ts := time.UnixMilli(msg.Timestamp).Format(time.TimeOnly)
	client := shortID(msg.ClientID)
	if msg.Type != transport.TypeBatch {
		fmt.Fprintf(out, "%s %s %s\n", ts, client, describeItem(msg.Item()))
		return
	}
	fmt.Fprintf(out, "%s %s batch of %d\n", ts, client, len(msg.Batch))
	for _, item := range msg.Batch {
		fmt.Fprintf(out, "    %s\n", describeItem(item))
	}
}

func describeItem(item transport.BatchItem) string {
	var sb strings.Builder
	sb.WriteString(string(item.Type))
	if item.Storage != "" {
		sb.WriteString(" " + string(item.Storage))
	}
	if item.Key != "" {
		sb.WriteString(" " + item.Key)
	}
	if item.Tag != "" {
		sb.WriteString(" tag=" + item.Tag)
	}
	if len(item.Tags) > 0 {
		sb.WriteString(" tags=" + strings.Join(item.Tags, ","))
	}
	if item.TTL > 0 {
		sb.WriteString(" ttl=" + (time.Duration(item.TTL) * time.Millisecond).String())
	}
	if len(item.Data) > 0 {
		fmt.Fprintf(&sb, " (%d bytes)", len(item.Data))
	}
	return sb.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[len(id)-8:]
	}
	return id
}
