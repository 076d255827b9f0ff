// Package main implements the fire-runner CLI tool for invoking the
// dispatcher directly, bypassing the AWS Lambda shim.
//
// This tool exists for local development and manual replays. It builds
// the same dispatch stack as the Lambda (guard store, SQS producer,
// dead-letter router) but with a no-op metrics sink, and fires a named
// schedule once. With -serve it instead exposes a small HTTP endpoint so
// a docker-compose loop can fire schedules on demand.
//
// Usage:
//
//	go run ./cmd/tools/fire-runner -schedule=cadph-timer
//	go run ./cmd/tools/fire-runner -schedule=shared-timer -tenants=cadph,ladph
//	go run ./cmd/tools/fire-runner -schedule=cadph-timer -at=2026-01-05T09:30:00Z
//	go run ./cmd/tools/fire-runner -serve=:8080
//
// Configuration comes from the environment (or a .env file via
// godotenv): DATABASE_URL, SQS_DISPATCH_DLQ, TENANTS_JSON, and
// optionally AWS_ENDPOINT_URL for LocalStack.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"polltrigger/internal/config"
	"polltrigger/internal/db"
	"polltrigger/internal/dispatch"
	"polltrigger/internal/queue"
	"polltrigger/internal/registry"
	"polltrigger/internal/types"
)

func main() {
	scheduleFlag := flag.String("schedule", "", "Schedule name to fire (e.g. cadph-timer)")
	tenantsFlag := flag.String("tenants", "", "Comma-separated explicit tenant IDs (optional)")
	atFlag := flag.String("at", "", "Reference time for the tick (RFC3339, optional)")
	serveFlag := flag.String("serve", "", "Serve HTTP fire endpoint on this address instead of firing once")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: fire-runner [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Fire a dispatch schedule directly, bypassing Lambda.\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	dispatcher, err := buildDispatcher(logger)
	if err != nil {
		logger.Error("failed to build dispatcher", "error", err)
		os.Exit(1)
	}

	if *serveFlag != "" {
		serveFireEndpoint(*serveFlag, dispatcher, logger)
		return
	}

	if *scheduleFlag == "" {
		fmt.Fprintf(os.Stderr, "error: -schedule is required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	firing := types.Firing{ScheduleName: *scheduleFlag}
	if *tenantsFlag != "" {
		firing.Tenants = strings.Split(*tenantsFlag, ",")
	}
	if *atFlag != "" {
		at, err := time.Parse(time.RFC3339, *atFlag)
		if err != nil {
			logger.Error("invalid -at value", "error", err)
			os.Exit(1)
		}
		firing.ReferenceTime = &at
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	outcomes, err := dispatcher.HandleFiring(ctx, firing)
	if err != nil {
		logger.Error("firing failed", "error", err)
		os.Exit(1)
	}

	for _, o := range outcomes {
		logger.Info("outcome",
			"tenant_id", o.TenantID,
			"tick_key", o.TickKey,
			"status", string(o.Status),
			"skip_reason", o.SkipReason,
			"message_id", o.MessageID,
			"attempts", o.Attempts,
			"error", errString(o.Err),
		)
	}
}

// buildDispatcher wires the same stack as cmd/dispatcher, minus
// CloudWatch and dispatch history.
func buildDispatcher(logger *slog.Logger) (*dispatch.Dispatcher, error) {
	cfg, err := config.Load(nil)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS SDK config: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.Database.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("creating guard store pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging guard store: %w", err)
	}

	tenantDefs, err := cfg.Tenants.ParseTenants()
	if err != nil {
		return nil, err
	}
	reg, err := registry.New(tenantDefs, cfg.Dispatch.GuardMinHorizon)
	if err != nil {
		return nil, err
	}

	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})

	return dispatch.New(
		reg,
		db.NewGuardRepository(pool),
		queue.NewProducer(sqsClient, logger),
		queue.NewDeadLetterRouter(sqsClient, cfg.AWS.DeadLetterQueueURL, logger),
		nil,
		dispatch.NoopMetrics{},
		dispatch.Config{
			MaxAttempts:    cfg.Dispatch.MaxAttempts,
			RetryBaseDelay: cfg.Dispatch.RetryBaseDelay,
			RetryMaxDelay:  cfg.Dispatch.RetryMaxDelay,
			CallTimeout:    cfg.Dispatch.CallTimeout,
			MaxConcurrent:  cfg.Dispatch.MaxConcurrent,
		},
		logger,
	), nil
}

// fireRequest is the optional JSON body for POST /fire/{schedule}.
type fireRequest struct {
	Tenants       []string   `json:"tenants,omitempty"`
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}

// serveFireEndpoint runs a small HTTP server exposing the dispatcher
// for local development loops.
func serveFireEndpoint(addr string, dispatcher *dispatch.Dispatcher, logger *slog.Logger) {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/fire/{schedule}", func(w http.ResponseWriter, req *http.Request) {
		firing := types.Firing{ScheduleName: chi.URLParam(req, "schedule")}

		if req.Body != nil && req.ContentLength != 0 {
			var body fireRequest
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
				return
			}
			firing.Tenants = body.Tenants
			firing.ReferenceTime = body.ReferenceTime
		}

		outcomes, err := dispatcher.HandleFiring(req.Context(), firing)
		if err != nil {
			status := http.StatusInternalServerError
			if types.CodeOf(err) == types.ErrCodeConfigUnknownTenant {
				status = http.StatusNotFound
			}
			http.Error(w, err.Error(), status)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(toResponses(outcomes)); err != nil {
			logger.Error("failed to encode fire response", "error", err)
		}
	})

	logger.Info("fire endpoint listening", "addr", addr)
	if err := http.ListenAndServe(addr, r); err != nil {
		logger.Error("fire endpoint stopped", "error", err)
		os.Exit(1)
	}
}

// outcomeResponse is the JSON shape returned by the fire endpoint.
type outcomeResponse struct {
	TenantID   string `json:"tenant_id"`
	TickKey    string `json:"tick_key"`
	Status     string `json:"status"`
	SkipReason string `json:"skip_reason,omitempty"`
	MessageID  string `json:"message_id,omitempty"`
	Attempts   int    `json:"attempts,omitempty"`
	Error      string `json:"error,omitempty"`
}

func toResponses(outcomes []types.DispatchOutcome) []outcomeResponse {
	out := make([]outcomeResponse, 0, len(outcomes))
	for _, o := range outcomes {
		out = append(out, outcomeResponse{
			TenantID:   o.TenantID,
			TickKey:    o.TickKey,
			Status:     string(o.Status),
			SkipReason: o.SkipReason,
			MessageID:  o.MessageID,
			Attempts:   o.Attempts,
			Error:      errString(o.Err),
		})
	}
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
