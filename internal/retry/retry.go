// Package retry provides bounded retries with permanent-error classification.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Config configures retry behavior.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int
	// InitialDelay is the delay after the first failure.
	InitialDelay time.Duration
	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration
	// Factor is the multiplier for exponential backoff.
	Factor float64
	// Jitter randomizes delays to avoid thundering herds.
	Jitter bool
}

// DefaultConfig returns the retry configuration used for responder calls:
// three attempts with short exponential delays.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Factor:       2.0,
		Jitter:       true,
	}
}

// Result contains the outcome of a retry operation.
type Result struct {
	// Attempts is the number of attempts made.
	Attempts int
	// Err is the last error (nil on success).
	Err error
}

// Do executes op until it succeeds, returns a permanent error, the context is
// canceled, or MaxAttempts is reached.
func Do(ctx context.Context, config Config, op func() error) Result {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 250 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 5 * time.Second
	}
	if config.Factor <= 0 {
		config.Factor = 2.0
	}

	var result Result
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if ctx.Err() != nil {
			result.Err = ctx.Err()
			return result
		}

		err := op()
		if err == nil {
			result.Err = nil
			return result
		}
		result.Err = err

		if IsPermanent(err) {
			return result
		}
		if attempt >= config.MaxAttempts {
			break
		}

		sleep := delay
		if config.Jitter {
			// delay * [0.5, 1.5]
			sleep = time.Duration(float64(delay) * (0.5 + rand.Float64())) // #nosec G404 -- jitter does not require cryptographic randomness
		}

		select {
		case <-ctx.Done():
			result.Err = ctx.Err()
			return result
		case <-time.After(sleep):
		}

		delay = time.Duration(float64(delay) * config.Factor)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	return result
}

// DoWithValue executes an operation that returns a value with retries.
func DoWithValue[T any](ctx context.Context, config Config, op func() (T, error)) (T, Result) {
	var value T
	result := Do(ctx, config, func() error {
		var err error
		value, err = op()
		return err
	})
	return value, result
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps an error to indicate it should not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent checks whether an error is marked permanent.
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}
