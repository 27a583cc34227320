// agent-daily-reset is the scheduled Lambda that zeroes every cash-pickup
// agent's daily disbursement counter. It is meant to run once per day at
// local midnight via an EventBridge schedule.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/remitwire/settlement-engine/internal/config"
	"github.com/remitwire/settlement-engine/internal/logging"
	"github.com/remitwire/settlement-engine/pkg/ledger"
	"github.com/remitwire/settlement-engine/pkg/ledger/factory"
)

// Request carries the optional invocation parameters. An empty request
// resets all agents with the configured backend.
type Request struct {
	DryRun bool `json:"dryRun"`
}

// Response reports the outcome of one reset run.
type Response struct {
	AgentsReset int    `json:"agentsReset"`
	DurationMs  int64  `json:"durationMs"`
	IsColdStart bool   `json:"isColdStart"`
	Error       string `json:"error,omitempty"`
}

var (
	store       ledger.Store
	log         = logging.New(config.LoggingConfig{Level: "info", Format: "json"})
	isColdStart = true
)

func init() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	log = logging.New(cfg.Logging)

	store, err = factory.New(context.Background(), cfg.Ledger)
	if err != nil {
		fmt.Printf("Error creating ledger store: %v\n", err)
		os.Exit(1)
	}

	if err := store.Initialize(context.Background()); err != nil {
		fmt.Printf("Error initializing ledger store: %v\n", err)
		os.Exit(1)
	}
}

func handler(ctx context.Context, req Request) (Response, error) {
	resp := Response{IsColdStart: isColdStart}
	isColdStart = false

	if req.DryRun {
		log.Info("dry run requested, skipping reset")
		return resp, nil
	}

	start := time.Now()
	reset, err := store.ResetDailyAmounts(ctx)
	resp.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		resp.Error = err.Error()
		log.Error("daily reset failed", "error", err)
		return resp, err
	}

	resp.AgentsReset = reset
	log.Info("daily reset complete", "agentsReset", reset, "durationMs", resp.DurationMs)
	return resp, nil
}

func main() {
	lambda.Start(handler)
}
