package types

// secretMask replaces secret values anywhere they might be printed or
// serialized.
const secretMask = "***REDACTED***"

var secretMaskJSON = []byte(`"***REDACTED***"`)

// SecretString holds a sensitive configuration value (connection
// strings, credentials) and redacts itself through fmt and JSON so a
// config dump or structured log line can never leak it. Call Unmask()
// at the single point where the raw value is handed to a driver or SDK.
type SecretString string

// String satisfies fmt.Stringer with the redacted mask.
func (s SecretString) String() string {
	return secretMask
}

// MarshalJSON emits the redacted mask instead of the raw value.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return secretMaskJSON, nil
}

// Unmask returns the raw plaintext. Keep call sites limited to driver
// and SDK boundaries.
func (s SecretString) Unmask() string {
	return string(s)
}
