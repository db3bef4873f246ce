package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mmdatafocus/vault_backend/config"
	"github.com/mmdatafocus/vault_backend/workflow"
)

// sweep-overdue runs one governance sweep; schedule it from cron or Cloud Scheduler.
func main() {
	atStr := flag.String("at", "", "Optional: sweep as of this time (RFC3339). Defaults to now.")
	timeout := flag.Duration("timeout", 5*time.Minute, "Overall timeout")
	flag.Parse()

	now := time.Now().UTC()
	if s := strings.TrimSpace(*atStr); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid --at: %v\n", err)
			os.Exit(1)
		}
		now = t.UTC()
	}

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

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	governance := workflow.NewGovernance(db, config.GetLogger(), settings)
	res, err := governance.SweepOverdue(ctx, now)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sweep failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("overdue=%d escalated=%d ids=%v\n", res.Overdue, len(res.Escalated), res.Escalated)
}
