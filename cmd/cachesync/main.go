package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentuity/go-cachesync/config"
	"github.com/agentuity/go-cachesync/eventing"
	"github.com/agentuity/go-cachesync/logger"
	"github.com/agentuity/go-cachesync/telemetry"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

const (
	envLogFormat = "CACHESYNC_LOG_FORMAT"
	envOTLPURL   = "CACHESYNC_OTLP_URL"
	envOTLPToken = "CACHESYNC_OTLP_TOKEN"
)

var rootCmd = &cobra.Command{
	Use:           "cachesync",
	Short:         "Inspect and drive cachesync clients",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().String("redis", "", "redis address of the relay (overrides config)")
	rootCmd.PersistentFlags().String("channel", "", "sync channel name (overrides config)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: trace, debug, info, warn or error")
	rootCmd.PersistentFlags().String("log-format", "", "log format: console or json")
	rootCmd.PersistentFlags().String("otlp-url", "", "OTLP/HTTP collector url for logs and traces")
	rootCmd.PersistentFlags().String("otlp-token", "", "bearer token for the OTLP collector")
	rootCmd.AddCommand(watchCmd, publishClearCmd, inspectCmd)
}

// flagOrEnv returns the flag value, then the environment value, then def.
func flagOrEnv(cmd *cobra.Command, flagName string, envName string, def string) string {
	if v, _ := cmd.Flags().GetString(flagName); v != "" {
		return v
	}
	if v, ok := os.LookupEnv(envName); ok {
		return v
	}
	return def
}

// localLogger picks the console or JSON logger for stderr output.
func localLogger(cmd *cobra.Command) logger.Logger {
	level := logger.ParseLevel(flagOrEnv(cmd, "log-level", logger.EnvLogLevel, ""), logger.LevelInfo)
	if flagOrEnv(cmd, "log-format", envLogFormat, "console") == "json" {
		return logger.NewJSONLogger(level)
	}
	return logger.NewConsoleLogger(level)
}

// newLogger returns the local logger, stacked on an OTLP exporter when a
// collector url is set. The returned func flushes telemetry.
func newLogger(cmd *cobra.Command) (logger.Logger, func()) {
	local := localLogger(cmd)
	otlpURL := flagOrEnv(cmd, "otlp-url", envOTLPURL, "")
	if otlpURL == "" {
		return local, func() {}
	}
	token := flagOrEnv(cmd, "otlp-token", envOTLPToken, "")
	log, shutdown, err := telemetry.New(cmd.Context(), otlpURL, token, "cachesync", local)
	if err != nil {
		local.Warn("telemetry disabled: %s", err)
		return local, func() {}
	}
	log.Debug("exporting telemetry to %s", telemetry.Endpoint(otlpURL))
	return log, shutdown
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if addr, _ := cmd.Flags().GetString("redis"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if channel, _ := cmd.Flags().GetString("channel"); channel != "" {
		cfg.Sync.Channel = channel
	}
	return cfg, nil
}

// connectRelay dials redis and returns a relay client over it. The returned
// func closes both.
func connectRelay(ctx context.Context, log logger.Logger, cfg *config.Config) (eventing.Client, func(), error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, errors.Wrapf(err, "connecting to redis at %s", cfg.Redis.Addr)
	}
	relay, err := eventing.NewRedisClient(ctx, log, rdb)
	if err != nil {
		rdb.Close()
		return nil, nil, err
	}
	return relay, func() {
		relay.Close()
		rdb.Close()
	}, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}
