package clickhouse

import "time"

// ClientOption configures Client.
type ClientOption func(*ClientConfig)

// ClientConfig holds ClickHouse configuration.
type ClientConfig struct {
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	UseHTTP         bool
	AsyncInsert     bool
	WaitForAsync    bool
	MaxExecTime     time.Duration
	PingTimeout     time.Duration
}

func WithHost(host string) ClientOption {
	return func(c *ClientConfig) { c.Host = host }
}

func WithPort(port int) ClientOption {
	return func(c *ClientConfig) {
		if port > 0 {
			c.Port = port
		}
	}
}

func WithDatabase(database string) ClientOption {
	return func(c *ClientConfig) {
		if database != "" {
			c.Database = database
		}
	}
}

func WithCredentials(user, password string) ClientOption {
	return func(c *ClientConfig) {
		c.User = user
		c.Password = password
	}
}

func WithMaxConnections(maxOpen, maxIdle int) ClientOption {
	return func(c *ClientConfig) {
		c.MaxOpenConns = maxOpen
		c.MaxIdleConns = maxIdle
	}
}

// WithTimeouts sets dial and read timeouts. The write timeout is accepted for
// config compatibility and bounds the startup ping.
func WithTimeouts(dial, read, write time.Duration) ClientOption {
	return func(c *ClientConfig) {
		if dial > 0 {
			c.DialTimeout = dial
		}
		if read > 0 {
			c.ReadTimeout = read
		}
		if write > 0 {
			c.PingTimeout = write
		}
	}
}

// WithHTTP switches from the native protocol to HTTP.
func WithHTTP(useHTTP bool) ClientOption {
	return func(c *ClientConfig) { c.UseHTTP = useHTTP }
}

// WithAsyncInsert lets the server buffer small tick inserts.
func WithAsyncInsert(enabled, wait bool) ClientOption {
	return func(c *ClientConfig) {
		c.AsyncInsert = enabled
		c.WaitForAsync = wait
	}
}

// WithMaxExecutionTime sets max_execution_time per query, in whole seconds.
func WithMaxExecutionTime(d time.Duration) ClientOption {
	return func(c *ClientConfig) { c.MaxExecTime = d }
}
