package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/agentuity/go-cachesync/cache"
	"github.com/agentuity/go-cachesync/config"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/cockroachdb/errors"
	"github.com/mattn/go-isatty"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var (
	hasTTY           = isatty.IsTerminal(os.Stdout.Fd())
	tableBorderColor = lipgloss.AdaptiveColor{Light: "#999999", Dark: "#AAAAAA"}
	tableBorderStyle = lipgloss.NewStyle().Foreground(tableBorderColor)
	expiredStyle     = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#AA3333", Dark: "#FF6666"})
)

var inspectHeaders = []string{"Key", "Tags", "Priority", "Refresh", "Encoded", "Size", "Expires"}

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "List the records held by a durable store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		path, _ := cmd.Flags().GetString("path")
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		var store cache.DurableStore
		switch {
		case path != "" || cfg.Durable.Backend == config.BackendSQLite:
			if path == "" {
				path = cfg.Durable.LocalPath
			}
			store, err = cache.NewSQLiteStore(ctx, path)
			if err != nil {
				return errors.Wrapf(err, "opening %s", path)
			}
		case cfg.Durable.Backend == config.BackendRedis:
			rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
			defer rdb.Close()
			store = cache.NewRedisStore(rdb, cache.WithPrefix(cfg.Redis.Prefix+":local"))
		default:
			return errors.New("nothing to inspect: pass --path or configure a sqlite or redis backend")
		}
		defer store.Close()

		entries, malformed, err := cache.Scan(ctx, store)
		if err != nil {
			return err
		}
		renderEntries(cmd.OutOrStdout(), entries, time.Now())
		for _, key := range malformed {
			fmt.Fprintf(cmd.ErrOrStderr(), "malformed record: %s\n", key)
		}
		return nil
	},
}

func init() {
	inspectCmd.Flags().String("path", "", "path to a SQLite durable store")
}

func entryRows(entries []*cache.Entry, now time.Time) [][]string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		expires := e.ExpiresAt.Sub(now).Round(time.Second).String()
		if now.After(e.ExpiresAt) {
			expires = "expired"
		}
		refresh := e.RefreshStrategy.String()
		if e.RefreshStrategy != cache.RefreshNone {
			refresh += " " + strconv.Itoa(e.RefreshThresholdPercent) + "%"
		}
		rows = append(rows, []string{
			e.Key,
			strings.Join(e.Tags, ","),
			e.Priority.String(),
			refresh,
			strconv.FormatBool(e.Encoded),
			strconv.Itoa(e.Size()),
			expires,
		})
	}
	return rows
}

func renderEntries(out io.Writer, entries []*cache.Entry, now time.Time) {
	rows := entryRows(entries, now)
	if !hasTTY {
		fmt.Fprintln(out, strings.Join(inspectHeaders, "\t"))
		for _, row := range rows {
			fmt.Fprintln(out, strings.Join(row, "\t"))
		}
		return
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(tableBorderStyle).
		Headers(inspectHeaders...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row >= 0 && row < len(rows) && col == len(inspectHeaders)-1 && rows[row][col] == "expired" {
				return expiredStyle
			}
			return lipgloss.NewStyle()
		})
	fmt.Fprintln(out, t.String())
}
