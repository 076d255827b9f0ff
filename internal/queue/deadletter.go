package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"polltrigger/internal/types"
)

// DeadLetterRouter persists permanently failed dispatch attempts to a
// separate durable queue for manual inspection and replay. It shares
// the SQSSender transport abstraction with Producer but targets a
// distinct queue and does not sit behind the producer's circuit
// breaker: the dead-letter write is the last resort and should be
// attempted even when the primary path is tripping.
type DeadLetterRouter struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewDeadLetterRouter creates a DeadLetterRouter targeting the
// dead-letter queue.
func NewDeadLetterRouter(client SQSSender, queueURL string, logger *slog.Logger) *DeadLetterRouter {
	return &DeadLetterRouter{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// Record writes the envelope to the dead-letter queue. A failure here
// is ErrCodeDeadLetterWrite, which the dispatcher escalates as a
// critical alert; it is never silently dropped.
func (d *DeadLetterRouter) Record(ctx context.Context, env types.DeadLetterEnvelope) error {
	if env.FailedAt.IsZero() {
		env.FailedAt = time.Now().UTC()
	}

	body, err := json.Marshal(env)
	if err != nil {
		return types.NewAppError(types.ErrCodeDeadLetterWrite, "failed to marshal dead-letter envelope", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(d.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"original_tenant": {
				DataType:    aws.String("String"),
				StringValue: aws.String(env.OriginalTenant),
			},
			"failure_reason": {
				DataType:    aws.String("String"),
				StringValue: aws.String(env.FailureReason),
			},
		},
	}

	if _, err := d.client.SendMessage(ctx, input); err != nil {
		return types.NewAppError(
			types.ErrCodeDeadLetterWrite,
			fmt.Sprintf("failed to write dead-letter envelope to %s", d.queueURL),
			err,
		)
	}

	d.logger.WarnContext(ctx, "dispatch dead-lettered",
		"tenant_id", env.OriginalTenant,
		"tick_key", env.OriginalTick,
		"failure_reason", env.FailureReason,
		"attempt_count", env.AttemptCount,
	)

	return nil
}
