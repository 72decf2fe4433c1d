package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotRunning = errors.New("queue: not running")
	ErrNoJob      = errors.New("queue: no job registered for type")
)

// Job handles one message type.
type Job interface {
	Name() string
	Type() string
	// Handle receives the payload as json.RawMessage when read from Redis.
	Handle(ctx context.Context, payload interface{}) error
}

// QueueConfig contains the configuration for the queue
type QueueConfig struct {
	Workers    int           // concurrent consumers
	RetryLimit int           // attempts after the first before a message is dead-lettered
	RetryDelay time.Duration // first retry delay, doubled per attempt
	MaxDelay   time.Duration // retry delay cap
	JobTimeout time.Duration // per message
}

// Message is the envelope stored in Redis.
type Message struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	Timestamp time.Time       `json:"timestamp"`
	LastError string          `json:"last_error,omitempty"`
}

// Stats is a point-in-time view of the queue keys.
type Stats struct {
	Pending    int64 `json:"pending"`
	Retrying   int64 `json:"retrying"`
	DeadLetter int64 `json:"dead_letter"`
}

// ParsePayload decodes a job payload into T.
func ParsePayload[T any](payload interface{}) (*T, error) {
	var out T
	switch p := payload.(type) {
	case *T:
		return p, nil
	case T:
		return &p, nil
	case json.RawMessage:
		if err := json.Unmarshal(p, &out); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		return &out, nil
	case []byte:
		if err := json.Unmarshal(p, &out); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		return &out, nil
	default:
		return nil, fmt.Errorf("invalid payload type: %T", payload)
	}
}

// backoff returns the delay before the given retry attempt (1-based).
func backoff(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}
