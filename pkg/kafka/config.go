package kafka

import (
	"time"

	applogger "FinPulse/pkg/logger"
)

// ProducerOption configures Producer.
type ProducerOption func(*ProducerConfig)

// ProducerConfig holds producer configuration.
type ProducerConfig struct {
	Brokers      []string
	RequiredAcks int
	Compression  string
	MaxAttempts  int
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	BatchSize    int
	BatchBytes   int
	BatchTimeout time.Duration
	Async        bool
	HashByKey    bool // keep one asset on one partition
}

func WithBrokers(brokers []string) ProducerOption {
	return func(c *ProducerConfig) { c.Brokers = brokers }
}

// WithCompression accepts gzip, snappy, lz4, zstd or none.
func WithCompression(compression string) ProducerOption {
	return func(c *ProducerConfig) { c.Compression = compression }
}

// WithRequiredAcks sets required acknowledgements (-1 = all).
func WithRequiredAcks(acks int) ProducerOption {
	return func(c *ProducerConfig) { c.RequiredAcks = acks }
}

func WithMaxAttempts(n int) ProducerOption {
	return func(c *ProducerConfig) {
		if n > 0 {
			c.MaxAttempts = n
		}
	}
}

func WithBatchSize(size int) ProducerOption {
	return func(c *ProducerConfig) {
		if size > 0 {
			c.BatchSize = size
		}
	}
}

func WithBatchTimeout(timeout time.Duration) ProducerOption {
	return func(c *ProducerConfig) {
		if timeout > 0 {
			c.BatchTimeout = timeout
		}
	}
}

func WithBatchBytes(bytes int) ProducerOption {
	return func(c *ProducerConfig) {
		if bytes > 0 {
			c.BatchBytes = bytes
		}
	}
}

func WithTimeouts(write, read time.Duration) ProducerOption {
	return func(c *ProducerConfig) {
		if write > 0 {
			c.WriteTimeout = write
		}
		if read > 0 {
			c.ReadTimeout = read
		}
	}
}

// WithAsync makes writes fire-and-forget. Errors only show up in metrics.
func WithAsync(async bool) ProducerOption {
	return func(c *ProducerConfig) { c.Async = async }
}

func WithHashByKey(hash bool) ProducerOption {
	return func(c *ProducerConfig) { c.HashByKey = hash }
}

// ConsumerOption configures Consumer.
type ConsumerOption func(*ConsumerConfig)

// ConsumerConfig holds consumer configuration.
type ConsumerConfig struct {
	Brokers     []string
	GroupID     string
	StartOffset string // earliest or latest, for groups without a committed offset
	WorkerCount int
	BufferSize  int // per worker
	RetryMax    int
	BackoffMin  time.Duration
	BackoffMax  time.Duration
	DLQTopic    string
	MinBytes    int
	MaxBytes    int
	Logger      *applogger.Logger
}

func WithConsumerBrokers(brokers []string) ConsumerOption {
	return func(c *ConsumerConfig) { c.Brokers = brokers }
}

func WithConsumerGroupID(groupID string) ConsumerOption {
	return func(c *ConsumerConfig) {
		if groupID != "" {
			c.GroupID = groupID
		}
	}
}

func WithConsumerStartOffset(offset string) ConsumerOption {
	return func(c *ConsumerConfig) { c.StartOffset = offset }
}

// WithConsumerWorkers sets the number of handler goroutines. Messages of one
// partition always go to the same worker.
func WithConsumerWorkers(count int) ConsumerOption {
	return func(c *ConsumerConfig) {
		if count > 0 {
			c.WorkerCount = count
		}
	}
}

// WithConsumerRetry configures in-process retries before a message is dead-lettered.
func WithConsumerRetry(max int, backoffMin, backoffMax time.Duration) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.RetryMax = max
		if backoffMin > 0 {
			c.BackoffMin = backoffMin
		}
		if backoffMax > 0 {
			c.BackoffMax = backoffMax
		}
	}
}

// WithConsumerDLQ sets the dead-letter topic. Empty disables it, and failed
// messages are then left uncommitted.
func WithConsumerDLQ(topic string) ConsumerOption {
	return func(c *ConsumerConfig) { c.DLQTopic = topic }
}

func WithConsumerFetch(minBytes, maxBytes int) ConsumerOption {
	return func(c *ConsumerConfig) {
		if minBytes > 0 {
			c.MinBytes = minBytes
		}
		if maxBytes > 0 {
			c.MaxBytes = maxBytes
		}
	}
}

func WithConsumerBufferSize(n int) ConsumerOption {
	return func(c *ConsumerConfig) {
		if n > 0 {
			c.BufferSize = n
		}
	}
}

func WithConsumerLogger(l *applogger.Logger) ConsumerOption {
	return func(c *ConsumerConfig) { c.Logger = l }
}
