package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/whisper/groupchat/internal/config"
	"github.com/whisper/groupchat/internal/messaging"
	"github.com/whisper/groupchat/internal/moderation"
	"github.com/whisper/groupchat/internal/report"
)

const (
	writeTimeout = 5 * time.Second

	// An author with this many reports inside offenderWindow is logged as a
	// repeat offender.
	offenderThreshold = 3
	offenderWindow    = 24 * time.Hour
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log := cfg.NewLogger().With("service", "moderator")
	if err := run(cfg, log); err != nil {
		log.Error("moderator exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	if cfg.NATSURL == "" || cfg.DatabaseURL == "" {
		return errors.New("NATS_URL and DATABASE_URL are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	if err := report.Migrate(cfg.DatabaseURL); err != nil {
		return err
	}
	openCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	audit, err := report.Open(openCtx, cfg.DatabaseURL)
	cancel()
	if err != nil {
		return err
	}
	defer audit.Close()

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "groupchat-moderator"
	natsClient, err := messaging.NewNATSClient(natsConfig, log)
	if err != nil {
		return err
	}
	defer natsClient.Close()

	err = natsClient.SubscribeReports(func(ev moderation.ReportEvent) {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()

		if err := audit.RecordReport(ctx, ev); err != nil {
			log.Error("record report failed", "message_id", ev.MessageID, "error", err)
			return
		}
		log.Info("report recorded",
			"message_id", ev.MessageID,
			"reporter", ev.Reporter,
			"ledger_size", ev.LedgerSize,
			"flagged", ev.Flagged,
		)

		if ev.Author == "" {
			return
		}
		n, err := audit.CountRecent(ctx, ev.Author, offenderWindow)
		if err != nil {
			log.Warn("count recent reports failed", "author", ev.Author, "error", err)
			return
		}
		if n >= offenderThreshold {
			log.Warn("repeat offender", "author", ev.Author, "reports", n, "window", offenderWindow)
		}
	})
	if err != nil {
		return err
	}

	err = natsClient.SubscribeRemovals(func(ev moderation.RemovalEvent) {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()

		if err := audit.RecordRemoval(ctx, ev); err != nil {
			log.Error("record removal failed", "message_id", ev.MessageID, "error", err)
			return
		}
		log.Info("removal recorded", "message_id", ev.MessageID, "author", ev.Author, "reports", ev.Reports)
	})
	if err != nil {
		return err
	}

	log.Info("groupchat moderation service running",
		"nats_url", cfg.NATSURL,
		"subjects", []string{messaging.SubjectReport, messaging.SubjectRemoval},
	)

	<-ctx.Done()
	log.Info("shutdown signal received")
	return nil
}
