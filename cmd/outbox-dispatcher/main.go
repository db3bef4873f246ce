package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mmdatafocus/vault_backend/config"
	"github.com/mmdatafocus/vault_backend/workflow"
	"github.com/sirupsen/logrus"
)

// outbox-dispatcher publishes outbox rows to Pub/Sub outside the API process.
// Set OUTBOX_DISPATCHER_DISABLED=true on the API when this runs.
func main() {
	once := flag.Bool("once", false, "Dispatch a single batch and exit")
	batch := flag.Int("batch", 50, "Rows claimed per batch")
	poll := flag.Duration("poll", 500*time.Millisecond, "Poll interval when idle")
	flag.Parse()

	logger := config.GetLogger()
	settings, err := config.LoadSettings()
	if err != nil {
		fmt.Fprintf(os.Stderr, "settings: %v\n", err)
		os.Exit(1)
	}
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dispatcher := workflow.NewOutboxDispatcher(db, logger, config.PubSubPublisher{})
	dispatcher.BatchSize = *batch
	dispatcher.PollInterval = *poll
	dispatcher.MaxAttempts = settings.OutboxMaxAttempts

	if *once {
		sent := dispatcher.DispatchOnce(ctx)
		fmt.Printf("sent=%d\n", sent)
		return
	}
	logger.WithFields(logrus.Fields{
		"field":         "outbox",
		"dispatcher_id": dispatcher.DispatcherID,
	}).Info("outbox dispatcher started")
	dispatcher.Run(ctx)
}
