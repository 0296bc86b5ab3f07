// Package alerts delivers operator notifications.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

type Alert struct {
	// Key groups repeats of the same condition for cooldown purposes.
	Key   string    `json:"key"`
	Level Level     `json:"level"`
	Text  string    `json:"text"`
	At    time.Time `json:"at"`
}

func (a Alert) String() string {
	return fmt.Sprintf("[%s] %s", strings.ToUpper(string(a.Level)), a.Text)
}

type Sink interface {
	Send(ctx context.Context, alert Alert) error
}

type Nop struct{}

func (Nop) Send(context.Context, Alert) error { return nil }

// Cooldown suppresses repeats of the same key within a window. Critical
// alerts are always delivered.
type Cooldown struct {
	sink   Sink
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	sent map[string]time.Time
}

func WithCooldown(sink Sink, window time.Duration) *Cooldown {
	return &Cooldown{
		sink:   sink,
		window: window,
		now:    time.Now,
		sent:   make(map[string]time.Time),
	}
}

func (c *Cooldown) Send(ctx context.Context, alert Alert) error {
	if alert.Level != LevelCritical && c.window > 0 && alert.Key != "" {
		now := c.now()
		c.mu.Lock()
		last, ok := c.sent[alert.Key]
		if ok && now.Sub(last) < c.window {
			c.mu.Unlock()
			return nil
		}
		c.sent[alert.Key] = now
		c.mu.Unlock()
	}
	return c.sink.Send(ctx, alert)
}

// Fanout delivers to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
