package notifier

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/gyaneshwarpardhi/ruleflow/internal/action"
)

// Router dispatches notifications to the notifier registered for their
// channel. Notifications without a channel go to the fallback.
type Router struct {
	mu       sync.RWMutex
	channels map[string]action.Notifier
	fallback action.Notifier
}

// NewRouter creates a router. fallback may be nil.
func NewRouter(fallback action.Notifier) *Router {
	return &Router{channels: make(map[string]action.Notifier), fallback: fallback}
}

// Handle registers n for channel, replacing any previous notifier.
func (r *Router) Handle(channel string, n action.Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[strings.ToLower(channel)] = n
}

// Channels lists the registered channel names.
func (r *Router) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.channels))
	for k := range r.channels {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (r *Router) Notify(ctx context.Context, n action.Notification) error {
	r.mu.RLock()
	target, ok := r.channels[strings.ToLower(n.Channel)]
	r.mu.RUnlock()
	if !ok {
		if n.Channel != "" || r.fallback == nil {
			return action.Permanent(fmt.Errorf("no notifier for channel %q", n.Channel))
		}
		target = r.fallback
	}
	return target.Notify(ctx, n)
}

// Log writes notifications to the structured log. It stands in for email
// and social delivery, which live outside this service.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(_ context.Context, n action.Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification",
		"channel", n.Channel,
		"recipient", n.Recipient,
		"subject", n.Subject,
		"rule_id", n.RuleID,
		"record_id", n.RecordID,
		"body", n.Body,
	)
	return nil
}
