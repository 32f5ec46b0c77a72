// Package garbage removes messages that no entry references any more
package garbage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/busybox42/maildispatch/internal/queue"
)

// Config configures the collector
type Config struct {
	Interval time.Duration
	OldLast  time.Duration // age of the last send attempt
	OldTime  time.Duration // age of messages that were never attempted
}

// Observer is notified after every collection pass
type Observer interface {
	MessagesCollected(n int)
}

// Collector periodically deletes idle messages together with their bodies
type Collector struct {
	messages *queue.MessageStore
	config   Config
	logger   *slog.Logger
	observer Observer
	now      func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewCollector creates a collector over messages
func NewCollector(messages *queue.MessageStore, config Config, logger *slog.Logger) *Collector {
	if config.Interval <= 0 {
		config.Interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		messages: messages,
		config:   config,
		logger:   logger.With("component", "garbage"),
		now:      time.Now,
	}
}

// SetObserver registers an observer. It must be called before Start.
func (c *Collector) SetObserver(o Observer) {
	c.observer = o
}

// expired reports whether an idle message has aged out
func (c *Collector) expired(m *queue.Message, now int64) bool {
	if m.Tos > 0 {
		return false
	}
	if m.Last != nil {
		return now-*m.Last >= int64(c.config.OldLast/time.Second)
	}
	return now-m.Time >= int64(c.config.OldTime/time.Second)
}

// Collect runs one pass and returns the number of deleted messages
func (c *Collector) Collect(ctx context.Context) int {
	now := c.now().Unix()

	var candidates []int64
	c.messages.Range(func(m *queue.Message) bool {
		if c.expired(m, now) {
			candidates = append(candidates, m.ID)
		}
		return ctx.Err() == nil
	})

	removed := 0
	for _, id := range candidates {
		if ctx.Err() != nil {
			break
		}
		if c.messages.DeleteIdle(ctx, id) {
			removed++
		}
	}

	if removed > 0 {
		c.logger.Info("Garbage collected", "messages", removed, "candidates", len(candidates))
	} else {
		c.logger.Debug("Garbage pass found nothing to remove")
	}
	if c.observer != nil {
		c.observer.MessagesCollected(removed)
	}
	return removed
}

// Start runs Collect every interval until Stop
func (c *Collector) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(c.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Collect(ctx)
			}
		}
	}(c.done)

	c.logger.Info("Garbage collector started", "interval", c.config.Interval)
}

// Stop halts the collector and waits for a pass in progress
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}

	c.cancel()
	<-c.done
	c.running = false
	c.logger.Info("Garbage collector stopped")
}
