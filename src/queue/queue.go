// Package queue provides the durable job queues that buffer node-registration
// and heartbeat writes. Failed jobs are retried with exponential backoff; a
// job that exhausts its attempts is dropped by the consumer, which is why
// producers fall back to direct writes when Enqueue itself fails.
package queue

import (
	"bytes"
	"time"

	"github.com/ugorji/go/codec"
)

// Default queue policy, matching the reference deployment.
const (
	DefaultAttempts = 3
	DefaultBackoff  = 5 * time.Second
)

// Config controls the retry policy of a queue consumer.
type Config struct {
	// Attempts is the maximum number of times a job is tried.
	Attempts int

	// Backoff is the initial delay before the first retry. It doubles on
	// every subsequent attempt.
	Backoff time.Duration
}

// DefaultConfig ...
func DefaultConfig() Config {
	return Config{
		Attempts: DefaultAttempts,
		Backoff:  DefaultBackoff,
	}
}

// Handler processes one job payload. A non-nil error triggers a retry.
type Handler func(payload []byte) error

// Queue is an at-least-once job queue.
type Queue interface {
	// Name returns the queue name.
	Name() string
	// Enqueue submits a job payload. An error means the broker rejected the
	// job and the caller should fall back to a direct write.
	Enqueue(payload []byte) error
	// Start launches the consumer with the given handler.
	Start(handler Handler)
	// Close stops the consumer and releases the broker connection.
	Close() error
}

// envelope wraps a payload with its retry count on the wire.
type envelope struct {
	Payload []byte
	Attempt int
}

func (e *envelope) marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(e); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

func (e *envelope) unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	return dec.Decode(e)
}

// retryDelay returns the exponential backoff delay before the given attempt.
// Attempt counting is zero-based: the first retry waits the initial backoff.
func retryDelay(conf Config, attempt int) time.Duration {
	return conf.Backoff << uint(attempt)
}
