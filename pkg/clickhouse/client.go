package clickhouse

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
)

// Client owns the database/sql pool used by the tick, event and market stores.
type Client struct {
	db  *sql.DB
	cfg ClientConfig
}

// NewClient opens a pool and pings the server.
func NewClient(opts ...ClientOption) (*Client, error) {
	cfg := ClientConfig{
		Port:            9000,
		Database:        "default",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     10 * time.Second,
		PingTimeout:     5 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("clickhouse: host is required")
	}

	db := ch.OpenDB(options(cfg))
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("clickhouse ping %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return &Client{db: db, cfg: cfg}, nil
}

func options(cfg ClientConfig) *ch.Options {
	settings := ch.Settings{}
	if cfg.MaxExecTime > 0 {
		settings["max_execution_time"] = int(cfg.MaxExecTime.Seconds())
	}
	if cfg.AsyncInsert {
		settings["async_insert"] = 1
		if cfg.WaitForAsync {
			settings["wait_for_async_insert"] = 1
		} else {
			settings["wait_for_async_insert"] = 0
		}
	}

	protocol := ch.Native
	if cfg.UseHTTP {
		protocol = ch.HTTP
	}
	return &ch.Options{
		Addr:     []string{cfg.Host + ":" + strconv.Itoa(cfg.Port)},
		Protocol: protocol,
		Auth: ch.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings:    settings,
		DialTimeout: cfg.DialTimeout,
		ReadTimeout: cfg.ReadTimeout,
		Compression: &ch.Compression{Method: ch.CompressionLZ4},
	}
}

// DB returns the pool for the repositories.
func (c *Client) DB() *sql.DB {
	return c.db
}

func (c *Client) Database() string {
	return c.cfg.Database
}

// Health pings the server.
func (c *Client) Health(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// InitSchema runs idempotent DDL statements in order.
func (c *Client) InitSchema(ctx context.Context, stmts []string) error {
	for i, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema statement %d: %w", i+1, err)
		}
	}
	return nil
}
