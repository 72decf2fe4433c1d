package logger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

type Publisher interface {
	PublishMessage(ctx context.Context, topic string, payload interface{}) error
}

type CollectionConfig struct {
	TimeInterval   time.Duration // flush interval, default 30s
	CountThreshold int           // unique entries that force a flush, default 100
	Topic          string        // destination of aggregated batches
	Service        string        // stamped on every entry
	Publisher      Publisher
}

type AggregatedLogEntry struct {
	Service   string                 `json:"service,omitempty"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields"`
	Caller    string                 `json:"caller"`
	Count     int                    `json:"count"`
	FirstSeen time.Time              `json:"first_seen"`
	LastSeen  time.Time              `json:"last_seen"`
}

// LogCollector deduplicates error lines and ships them in batches, so a log
// storm becomes one entry with a count.
type LogCollector struct {
	config  CollectionConfig
	mu      sync.Mutex
	entries map[string]*AggregatedLogEntry
	sendWg  sync.WaitGroup
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func NewLogCollector(config *CollectionConfig) *LogCollector {
	cfg := *config
	if cfg.TimeInterval <= 0 {
		cfg.TimeInterval = 30 * time.Second
	}
	if cfg.CountThreshold <= 0 {
		cfg.CountThreshold = 100
	}

	d := &LogCollector{
		config:  cfg,
		entries: make(map[string]*AggregatedLogEntry),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *LogCollector) AddLog(level, message string, fields map[string]interface{}, caller string) {
	now := time.Now()
	key := entryKey(level, message, fields, caller)

	d.mu.Lock()
	if e, ok := d.entries[key]; ok {
		e.Count++
		e.LastSeen = now
	} else {
		d.entries[key] = &AggregatedLogEntry{
			Service:   d.config.Service,
			Level:     level,
			Message:   message,
			Fields:    fields,
			Caller:    caller,
			Count:     1,
			FirstSeen: now,
			LastSeen:  now,
		}
	}
	var batch []AggregatedLogEntry
	if len(d.entries) >= d.config.CountThreshold {
		batch = d.takeLocked()
	}
	d.mu.Unlock()

	if batch != nil {
		d.sendAsync(batch)
	}
}

func entryKey(level, message string, fields map[string]interface{}, caller string) string {
	b, _ := json.Marshal(fields) // map keys are sorted by encoding/json
	h := sha256.New()
	h.Write([]byte(level))
	h.Write([]byte{0})
	h.Write([]byte(caller))
	h.Write([]byte{0})
	h.Write([]byte(message))
	h.Write([]byte{0})
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *LogCollector) loop() {
	defer close(d.done)
	t := time.NewTicker(d.config.TimeInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if batch := d.take(); batch != nil {
				d.sendAsync(batch)
			}
		case <-d.stop:
			return
		}
	}
}

func (d *LogCollector) take() []AggregatedLogEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.takeLocked()
}

func (d *LogCollector) takeLocked() []AggregatedLogEntry {
	if len(d.entries) == 0 {
		return nil
	}
	out := make([]AggregatedLogEntry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, *e)
	}
	d.entries = make(map[string]*AggregatedLogEntry)
	return out
}

func (d *LogCollector) sendAsync(batch []AggregatedLogEntry) {
	d.sendWg.Add(1)
	go func() {
		defer d.sendWg.Done()
		d.send(batch)
	}()
}

func (d *LogCollector) send(batch []AggregatedLogEntry) {
	if d.config.Publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.config.Publisher.PublishMessage(ctx, d.config.Topic, batch); err != nil {
		// the logger itself is the thing failing, so fall back to stderr
		fmt.Fprintf(os.Stderr, "log collector: publish %d entries: %v\n", len(batch), err)
	}
}

// Close stops the flush loop and publishes what is left before returning.
func (d *LogCollector) Close() {
	d.once.Do(func() {
		close(d.stop)
		<-d.done
		if batch := d.take(); batch != nil {
			d.send(batch)
		}
		d.sendWg.Wait()
	})
}
