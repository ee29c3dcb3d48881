package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/onnwee/danmaku-relay/apperrors"
)

// ExpressionFields is the number of fields of a schedule expression (seconds first).
const ExpressionFields = 6

var parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateExpression checks that expr is a 6-field cron expression.
func ValidateExpression(expr string) error {
	if n := len(strings.Fields(expr)); n != ExpressionFields {
		return apperrors.Validation("a schedule needs %d cron fields, got %d", ExpressionFields, n)
	}
	if _, err := parser.Parse(expr); err != nil {
		return apperrors.Validation("invalid cron expression: %v", err)
	}
	return nil
}

// RunFunc is invoked when an entry fires.
type RunFunc func(chatID int64, expression string, action Action)

type entryKey struct {
	chatID     int64
	expression string
}

// Cron runs chat-scoped entries keyed by (chat, expression).
type Cron struct {
	c   *cron.Cron
	run RunFunc

	mu      sync.Mutex
	entries map[entryKey]cron.EntryID
}

// NewCron returns a stopped scheduler calling run for every fired entry.
func NewCron(run RunFunc) *Cron {
	logger := cronLogger{l: slog.Default().With(slog.String("component", "cron"))}
	return &Cron{
		c: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger)),
		),
		run:     run,
		entries: make(map[entryKey]cron.EntryID),
	}
}

// Start runs the scheduler in its own goroutine.
func (c *Cron) Start() { c.c.Start() }

// Stop stops the scheduler; the returned context is done when running jobs finish.
func (c *Cron) Stop() context.Context { return c.c.Stop() }

// ValidateExpression implements Scheduler.
func (c *Cron) ValidateExpression(expr string) error { return ValidateExpression(expr) }

// Add registers an entry, replacing any entry with the same key.
func (c *Cron) Add(chatID int64, expr string, a Action) error {
	sched, err := parser.Parse(expr)
	if err != nil {
		return fmt.Errorf("parse %q: %w", expr, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	k := entryKey{chatID, expr}
	if id, ok := c.entries[k]; ok {
		c.c.Remove(id)
	}
	c.entries[k] = c.c.Schedule(sched, cron.FuncJob(func() { c.run(chatID, expr, a) }))
	return nil
}

// Remove drops the entry of chatID with expr.
func (c *Cron) Remove(chatID int64, expr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := entryKey{chatID, expr}
	if id, ok := c.entries[k]; ok {
		c.c.Remove(id)
		delete(c.entries, k)
	}
}

// Clear drops every entry of chatID.
func (c *Cron) Clear(chatID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, id := range c.entries {
		if k.chatID == chatID {
			c.c.Remove(id)
			delete(c.entries, k)
		}
	}
}

// Len returns the number of registered entries of chatID.
func (c *Cron) Len(chatID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.entries {
		if k.chatID == chatID {
			n++
		}
	}
	return n
}

// cronLogger adapts slog to cron.Logger; cron passes alternating key/value pairs.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append([]interface{}{slog.Any("err", err)}, keysAndValues...)...)
}
