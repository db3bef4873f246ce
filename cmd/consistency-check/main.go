package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mmdatafocus/vault_backend/config"
	"github.com/mmdatafocus/vault_backend/workflow"
)

// consistency-check scans the ledger and exits 1 when any violation is found.
func main() {
	asJSON := flag.Bool("json", false, "Print violations as JSON")
	timeout := flag.Duration("timeout", 10*time.Minute, "Overall timeout")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	checker := workflow.NewConsistencyChecker(db, config.GetLogger())
	found, err := checker.CheckConsistency(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "consistency check failed: %v\n", err)
		os.Exit(2)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(found)
	} else {
		for _, r := range found {
			fmt.Printf("%s %s#%d: %s\n", r.CheckType, r.EntityType, r.EntityId, r.Details)
		}
		fmt.Printf("violations=%d\n", len(found))
	}
	if len(found) > 0 {
		os.Exit(1)
	}
}
