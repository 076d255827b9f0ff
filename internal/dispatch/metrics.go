package dispatch

import (
	"context"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"polltrigger/internal/types"
)

// Metric and dimension names. DispatchSkipped with reason
// "duplicate_tick" is the alarm signal for multiple live scheduler
// instances; DeadLetterWriteFailure is a page.
const (
	metricDispatchOutcome        = "DispatchOutcome"
	metricDispatchSkipped        = "DispatchSkipped"
	metricGuardDegraded          = "GuardDegraded"
	metricDeadLetterWriteFailure = "DeadLetterWriteFailure"

	dimTenant = "Tenant"
	dimStatus = "Status"
	dimReason = "Reason"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for
// testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Compile-time assertion.
var _ Metrics = (*CloudWatchMetrics)(nil)

// CloudWatchMetrics implements Metrics by emitting dispatch outcome
// counts to CloudWatch. Metric emission is fire-and-forget: a failed
// PutMetricData is logged and never affects the dispatch itself.
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewCloudWatchMetrics creates a CloudWatchMetrics publishing to the
// given namespace.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchMetrics {
	return &CloudWatchMetrics{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

// RecordOutcome emits DispatchOutcome with {Tenant, Status} dimensions,
// plus DispatchSkipped with {Tenant, Reason} for skips so the
// duplicate-tick rate can be alarmed on independently.
func (m *CloudWatchMetrics) RecordOutcome(ctx context.Context, outcome types.DispatchOutcome) {
	data := []cwtypes.MetricDatum{
		{
			MetricName: aws.String(metricDispatchOutcome),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{
				{Name: aws.String(dimTenant), Value: aws.String(outcome.TenantID)},
				{Name: aws.String(dimStatus), Value: aws.String(string(outcome.Status))},
			},
		},
	}

	if outcome.Status == types.StatusSkipped {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(metricDispatchSkipped),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{
				{Name: aws.String(dimTenant), Value: aws.String(outcome.TenantID)},
				{Name: aws.String(dimReason), Value: aws.String(outcome.SkipReason)},
			},
		})
	}

	m.put(ctx, data)
}

// RecordGuardDegraded emits the GuardDegraded count for the tenant.
func (m *CloudWatchMetrics) RecordGuardDegraded(ctx context.Context, tenantID string) {
	m.put(ctx, []cwtypes.MetricDatum{
		{
			MetricName: aws.String(metricGuardDegraded),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{
				{Name: aws.String(dimTenant), Value: aws.String(tenantID)},
			},
		},
	})
}

// RecordDeadLetterWriteFailure emits the critical-alert metric for a
// failed dead-letter write.
func (m *CloudWatchMetrics) RecordDeadLetterWriteFailure(ctx context.Context, tenantID string) {
	m.put(ctx, []cwtypes.MetricDatum{
		{
			MetricName: aws.String(metricDeadLetterWriteFailure),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{
				{Name: aws.String(dimTenant), Value: aws.String(tenantID)},
			},
		},
	})
}

func (m *CloudWatchMetrics) put(ctx context.Context, data []cwtypes.MetricDatum) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.ErrorContext(ctx, "failed to put dispatch metrics", "error", err)
	}
}

// Compile-time assertion.
var _ Metrics = NoopMetrics{}

// NoopMetrics discards all metrics. Used by local tooling where no
// CloudWatch sink is wired.
type NoopMetrics struct{}

func (NoopMetrics) RecordOutcome(context.Context, types.DispatchOutcome) {}
func (NoopMetrics) RecordGuardDegraded(context.Context, string)          {}
func (NoopMetrics) RecordDeadLetterWriteFailure(context.Context, string) {}
