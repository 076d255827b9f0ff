// Package main is the entrypoint for the Dispatcher Lambda function.
//
// EventBridge scheduled rules invoke this function with a Firing
// payload naming the schedule (and optionally the bound tenant tags).
// The handler resolves the tenants, wins the per-tick dispatch guard,
// and enqueues each tenant's poll trigger message onto its SQS queue so
// the downstream ingestion pipeline can pick it up.
//
// Handler flow:
//  1. Parse the Firing payload and determine the reference time.
//  2. Resolve tenants via the registry.
//  3. Per tenant: guard check, enqueue with bounded retry, dead-letter
//     on terminal failure.
//  4. Emit an outcome per (tenant, tick) to CloudWatch.
//
// Dependencies are wired eagerly during cold start and reused across
// invocations.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"polltrigger/internal/config"
	"polltrigger/internal/db"
	"polltrigger/internal/dispatch"
	"polltrigger/internal/queue"
	"polltrigger/internal/registry"
	"polltrigger/internal/types"
)

// Handler holds the dependencies for the dispatcher Lambda handler.
type Handler struct {
	Dispatcher *dispatch.Dispatcher
	Logger     *slog.Logger
}

// Handle processes one Firing from EventBridge and returns a short
// summary string for the invocation log. Resolution failures are
// returned as errors so they surface in Lambda error metrics; the guard
// makes any platform-level retry safe.
func (h *Handler) Handle(ctx context.Context, firing types.Firing) (string, error) {
	outcomes, err := h.Dispatcher.HandleFiring(ctx, firing)
	if err != nil {
		return "", err
	}

	var enqueued, skipped, deadLettered, failed int
	for _, o := range outcomes {
		switch o.Status {
		case types.StatusEnqueued:
			enqueued++
		case types.StatusSkipped:
			skipped++
		case types.StatusDeadLettered:
			deadLettered++
		case types.StatusFailed:
			failed++
		}
	}

	summary := fmt.Sprintf("schedule=%s tenants=%d enqueued=%d skipped=%d dead_lettered=%d failed=%d",
		firing.ScheduleName, len(outcomes), enqueued, skipped, deadLettered, failed)

	h.Logger.InfoContext(ctx, "firing processed", "summary", summary)
	return summary, nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("Dispatcher Lambda initializing (cold start)")

	// DATABASE_URL lives in SSM Parameter Store outside local
	// environments, referenced via the _SSM_PARAM suffix convention.
	if err := config.ResolveSecrets(config.NewSSMProvider(os.Getenv("AWS_REGION"))); err != nil {
		logger.Error("failed to resolve SSM secrets", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(nil)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		logger.Error("failed to load AWS SDK config", "error", err)
		os.Exit(1)
	}

	pool, err := pgxpool.New(ctx, cfg.Database.URL.Unmask())
	if err != nil {
		logger.Error("failed to create guard store pool", "error", err)
		os.Exit(1)
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Error("failed to ping guard store", "error", err)
		os.Exit(1)
	}

	tenantDefs, err := cfg.Tenants.ParseTenants()
	if err != nil {
		logger.Error("failed to parse tenant definitions", "error", err)
		os.Exit(1)
	}

	reg, err := registry.New(tenantDefs, cfg.Dispatch.GuardMinHorizon)
	if err != nil {
		logger.Error("failed to build tenant registry", "error", err)
		os.Exit(1)
	}
	logger.Info("tenant registry loaded", "tenant_count", reg.Len())

	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})
	cwClient := cloudwatch.NewFromConfig(awsCfg)

	dispatcher := dispatch.New(
		reg,
		db.NewGuardRepository(pool),
		queue.NewProducer(sqsClient, logger),
		queue.NewDeadLetterRouter(sqsClient, cfg.AWS.DeadLetterQueueURL, logger),
		db.NewHistoryRepository(pool),
		dispatch.NewCloudWatchMetrics(cwClient, cfg.AWS.MetricNamespace, logger),
		dispatch.Config{
			MaxAttempts:    cfg.Dispatch.MaxAttempts,
			RetryBaseDelay: cfg.Dispatch.RetryBaseDelay,
			RetryMaxDelay:  cfg.Dispatch.RetryMaxDelay,
			CallTimeout:    cfg.Dispatch.CallTimeout,
			MaxConcurrent:  cfg.Dispatch.MaxConcurrent,
		},
		logger,
	)

	handler := &Handler{
		Dispatcher: dispatcher,
		Logger:     logger,
	}

	lambda.Start(handler.Handle)
}
