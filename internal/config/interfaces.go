package config

import "context"

// SecretProvider abstracts secret retrieval so deployed environments can
// resolve from AWS SSM Parameter Store while local development reads
// plain environment variables. Injected into the loader for testing.
type SecretProvider interface {
	// GetParametersBatch resolves the given parameter paths and returns
	// a map of path -> plaintext value. Implementations handle batching
	// against provider API limits.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
