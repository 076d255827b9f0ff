// Package queue provides the SQS-based producer for tenant poll trigger
// messages and the dead-letter router for dispatches that permanently
// failed.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsmw "github.com/aws/aws-sdk-go-v2/aws/middleware"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/sony/gobreaker/v2"

	"polltrigger/internal/types"
)

// sqsMaxMessageBytes is the SQS payload size limit. Anything larger is
// malformed by definition and never worth retrying.
const sqsMaxMessageBytes = 256 * 1024

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Producer enqueues PollMessages onto tenant trigger queues. One call
// is one network round trip; retry policy belongs to the dispatcher so
// idempotency decisions stay centralized at the guard.
//
// A circuit breaker wraps the transport so a dead SQS endpoint fails
// fast instead of eating the invocation deadline attempt by attempt.
//
// TTL semantics: SQS does not expire messages per-send, so the TTL is
// carried in the envelope for the consumer side. TTLInfinite means the
// envelope carries no expiration at all. The consumer-side visibility
// timeout is NOT set here; see types.PollMessage for the read-side
// coupling this implies.
type Producer struct {
	client  SQSSender
	breaker *gobreaker.CircuitBreaker[*sqs.SendMessageOutput]
	logger  *slog.Logger
}

// NewProducer creates a Producer with its own circuit breaker.
func NewProducer(client SQSSender, logger *slog.Logger) *Producer {
	cb := gobreaker.NewCircuitBreaker[*sqs.SendMessageOutput](gobreaker.Settings{
		Name:        "sqs-producer",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})

	return &Producer{
		client:  client,
		breaker: cb,
		logger:  logger,
	}
}

// Enqueue sends one PollMessage to queueURL. The ttl parameter is
// either types.TTLInfinite or a non-negative bounded duration, which is
// passed through to the envelope unchanged. Returns the transport's
// message ID and request ID on success.
//
// Failures are classified: payload problems (oversize, unencodable) are
// ErrCodeMessageMalformed and must not be retried; everything else from
// the transport is ErrCodeTransportUnavailable and may be retried by
// the caller.
func (p *Producer) Enqueue(ctx context.Context, queueURL string, msg types.PollMessage, ttl time.Duration) (string, string, error) {
	if ttl == types.TTLInfinite {
		msg.TTLSeconds = nil
	} else if ttl < 0 {
		return "", "", types.NewAppError(
			types.ErrCodeMessageMalformed,
			fmt.Sprintf("invalid message ttl %s", ttl),
			nil,
		)
	} else {
		seconds := int64(ttl / time.Second)
		msg.TTLSeconds = &seconds
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return "", "", types.NewAppError(types.ErrCodeMessageMalformed, "failed to marshal poll message", err)
	}
	if len(body) > sqsMaxMessageBytes {
		return "", "", types.NewAppErrorWithDetails(
			types.ErrCodeMessageMalformed,
			"poll message exceeds queue payload limit",
			nil,
			map[string]any{"size_bytes": len(body)},
		)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"tenant_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(msg.TenantID),
			},
			"trace_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(msg.TraceID),
			},
		},
	}

	out, err := p.breaker.Execute(func() (*sqs.SendMessageOutput, error) {
		return p.client.SendMessage(ctx, input)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", "", types.NewAppError(types.ErrCodeTransportUnavailable, "queue transport circuit open", err)
		}
		return "", "", types.NewAppError(
			types.ErrCodeTransportUnavailable,
			fmt.Sprintf("failed to send poll message to %s", queueURL),
			err,
		)
	}

	messageID := aws.ToString(out.MessageId)
	requestID, _ := awsmw.GetRequestIDMetadata(out.ResultMetadata)

	p.logger.InfoContext(ctx, "poll trigger message sent",
		"queue_url", queueURL,
		"tenant_id", msg.TenantID,
		"tick_key", msg.TickKey,
		"message_id", messageID,
		"request_id", requestID,
		"trace_id", msg.TraceID,
	)

	return messageID, requestID, nil
}
