// realtime-tail subscribes to one or more channels and prints every message
// as a structured log line. It survives network failures the same way any
// client does, and with -recovery-db it also survives its own restarts: the
// connection recovery key is saved on shutdown and used on the next start.
//
// Configuration comes from an optional YAML options file, then LAYR8_REALTIME_*
// environment variables, then flags.
//
// Usage:
//
//	LAYR8_REALTIME_KEY=app.key:secret \
//	  go run ./cmd/realtime-tail -recovery-db tail.db orders payments
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/sirupsen/logrus"

	realtime "github.com/layr8/realtime-go"
	"github.com/layr8/realtime-go/recovery"
)

type cliConfig struct {
	optionsFile    string
	environment    string
	host           string
	clientID       string
	recoveryDriver string
	recoveryDSN    string
	recoveryName   string
	logLevel       string
	jsonLogs       bool
}

func parseFlags() (*cliConfig, []string) {
	cfg := &cliConfig{}
	flag.StringVar(&cfg.optionsFile, "config", "", "YAML client options file")
	flag.StringVar(&cfg.environment, "environment", "", "Service environment (overrides config)")
	flag.StringVar(&cfg.host, "host", "", "Realtime host (overrides config and environment)")
	flag.StringVar(&cfg.clientID, "client-id", "", "Client id to connect as")
	flag.StringVar(&cfg.recoveryDriver, "recovery-driver", recovery.DriverSQLite, "Recovery store driver (sqlite3 or postgres)")
	flag.StringVar(&cfg.recoveryDSN, "recovery-db", "", "Recovery store DSN; empty disables recovery")
	flag.StringVar(&cfg.recoveryName, "recovery-name", "realtime-tail", "Name the recovery key is stored under")
	flag.StringVar(&cfg.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.BoolVar(&cfg.jsonLogs, "json", false, "Emit JSON log lines")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [options] channel [channel...]\n\nOptions:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	return cfg, flag.Args()
}

func newLogger(cfg *cliConfig) (*logrus.Logger, error) {
	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.logLevel)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)
	if cfg.jsonLogs {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger, nil
}

func loadOptions(cfg *cliConfig) (realtime.ClientOptions, error) {
	var opts realtime.ClientOptions
	if cfg.optionsFile != "" {
		loaded, err := realtime.LoadOptionsFile(cfg.optionsFile)
		if err != nil {
			return opts, err
		}
		opts = loaded
	}
	if cfg.environment != "" {
		opts.Environment = cfg.environment
	}
	if cfg.host != "" {
		opts.RealtimeHost = cfg.host
		opts.Environment = ""
	}
	if cfg.clientID != "" {
		opts.ClientID = cfg.clientID
	}
	return opts, nil
}

func main() {
	cfg, channels := parseFlags()
	if len(channels) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -log-level: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg, channels, logger); err != nil {
		logger.WithError(err).Fatal("realtime-tail failed")
	}
}

func run(cfg *cliConfig, channels []string, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	opts, err := loadOptions(cfg)
	if err != nil {
		return err
	}

	var store *recovery.Store
	if cfg.recoveryDSN != "" {
		store, err = recovery.Open(ctx, cfg.recoveryDriver, cfg.recoveryDSN)
		if err != nil {
			return err
		}
		defer store.Close()

		ttl := opts.ConnectionStateTTL
		if ttl == 0 {
			ttl = realtime.DefaultConnectionStateTTL
		}
		key, err := store.LoadFresh(ctx, cfg.recoveryName, ttl, time.Now())
		switch {
		case err == nil:
			opts.Recover = key
			logger.WithField("recovery_name", cfg.recoveryName).Info("Recovering previous connection")
		case !errors.Is(err, recovery.ErrNotFound):
			return err
		}
	}

	client, err := realtime.NewClient(opts, realtime.WithLogger(logger))
	if err != nil {
		return err
	}

	conn := client.Connection()
	conn.OnAll(func(change realtime.ConnectionStateChange) {
		entry := logger.WithFields(logrus.Fields{
			"state":    change.Current.String(),
			"host":     conn.Host(),
			"retry_in": change.RetryIn,
		})
		if change.Reason != nil {
			entry = entry.WithField("reason", change.Reason.Error())
		}
		entry.Info("connection")
	})

	for _, name := range channels {
		ch := client.Channel(name)
		ch.OnAll(func(change realtime.ChannelStateChange) {
			logger.WithFields(logrus.Fields{
				"channel": name,
				"state":   change.Current.String(),
				"resumed": change.Resumed,
			}).Debug("channel")
		})
		ch.Subscribe(func(m *realtime.Message) {
			logger.WithFields(logrus.Fields{
				"channel":   name,
				"id":        m.ID,
				"name":      m.Name,
				"client_id": m.ClientID,
				"data":      string(m.Data),
			}).Info("message")
		})
	}

	<-ctx.Done()
	logger.Info("shutting down")

	if store != nil {
		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if key := conn.RecoveryKey(); key != "" {
			if err := store.Save(saveCtx, cfg.recoveryName, key, time.Now()); err != nil {
				logger.WithError(err).Warn("Could not save recovery key")
			}
		}
	}
	// Close after the key is saved; a closed connection cannot be recovered.
	return client.Close()
}
