// Package config defines the configuration for the polltrigger dispatch
// engine. Configuration is loaded once at process initialization (Lambda
// cold start) and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// A missing required value or invalid format fails the process
// immediately on startup.
package config

import (
	"encoding/json"
	"time"

	"polltrigger/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret
// type used for sensitive configuration values.
type SecretString = types.SecretString

// Config is the top-level configuration for the dispatcher. Populated
// once during process initialization and never modified. Components
// receive only the subsets they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Database DatabaseConfig
	AWS      AWSConfig
	Dispatch DispatchConfig
	Tenants  TenantsConfig
}

// DatabaseConfig holds the guard-store connection and pool tuning.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns        int           `envconfig:"DB_MAX_CONNS" default:"4"`
	MinConns        int           `envconfig:"DB_MIN_CONNS" default:"1"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout  time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// DeadLetterQueueURL is the durable store for dispatches that
	// exhausted their retry budget.
	DeadLetterQueueURL string `envconfig:"SQS_DISPATCH_DLQ" validate:"required,url"`

	// MetricNamespace is the CloudWatch namespace for dispatch outcome
	// metrics.
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"PollTrigger"`

	// EndpointURL points the SQS client at LocalStack for local runs.
	// Empty in deployed environments.
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// DispatchConfig tunes the dispatcher's retry, timeout, and fan-out
// behavior.
type DispatchConfig struct {
	// MaxAttempts is the enqueue attempt ceiling per tick. Matches the
	// consumer side's delivery-attempt budget.
	MaxAttempts int `envconfig:"DISPATCH_MAX_ATTEMPTS" default:"3" validate:"min=1"`

	// RetryBaseDelay seeds the exponential backoff between transport
	// retries; RetryMaxDelay caps it.
	RetryBaseDelay time.Duration `envconfig:"DISPATCH_RETRY_BASE_DELAY" default:"500ms"`
	RetryMaxDelay  time.Duration `envconfig:"DISPATCH_RETRY_MAX_DELAY" default:"5s"`

	// CallTimeout bounds each guard, enqueue, and dead-letter call.
	// Expiry of the timeout is treated as a transport failure.
	CallTimeout time.Duration `envconfig:"DISPATCH_CALL_TIMEOUT" default:"3s"`

	// MaxConcurrent bounds the per-firing tenant fan-out so a shared
	// schedule with many tenants cannot overwhelm the queue transport.
	MaxConcurrent int `envconfig:"DISPATCH_MAX_CONCURRENT" default:"4" validate:"min=1"`

	// GuardMinHorizon floors the per-tenant dedup horizon. The registry
	// derives each tenant's horizon from its schedule period; this
	// protects very tight schedules from a uselessly short horizon.
	GuardMinHorizon time.Duration `envconfig:"GUARD_MIN_HORIZON" default:"10m"`
}

// TenantsConfig carries the tenant registry definitions as a JSON
// document in a single environment variable, following the env-JSON
// pattern used for other structured configuration.
//
// Example:
//
//	TENANTS_JSON='[{"id":"cadph","schedule_name":"cadph-timer",
//	  "schedule":"30 9 * * 1","queue_url":"https://sqs.../polling-trigger",
//	  "timezone":"UTC","ttl_seconds":null}]'
type TenantsConfig struct {
	Definitions string `envconfig:"TENANTS_JSON" validate:"required,json"`
}

// TenantDefinition is the JSON shape of one tenant in TENANTS_JSON.
// TTLSeconds nil means the trigger message never expires.
type TenantDefinition struct {
	ID           string `json:"id"`
	ScheduleName string `json:"schedule_name"`
	CronExpr     string `json:"schedule"`
	Timezone     string `json:"timezone,omitempty"`
	QueueURL     string `json:"queue_url"`
	TTLSeconds   *int64 `json:"ttl_seconds,omitempty"`
}

// ParseTenants decodes the TENANTS_JSON document.
func (t TenantsConfig) ParseTenants() ([]TenantDefinition, error) {
	var defs []TenantDefinition
	if err := json.Unmarshal([]byte(t.Definitions), &defs); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to parse TENANTS_JSON",
			Err:     err,
		}
	}
	return defs, nil
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable is absent.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSSMResolution indicates a failure fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a malformed environment variable value.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
