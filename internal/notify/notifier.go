// Package notify delivers price spike alerts to external channels (Telegram,
// Discord). Each sender renders the spike event in its channel's native
// format; the Notifier fans one event out to every configured sender.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/cryptomon/internal/domain"
)

// Sender is the interface each notification channel implements.
type Sender interface {
	// Send delivers a spike alert, rendered in the channel's own format.
	Send(ctx context.Context, spike domain.SpikeEvent) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier fans spike events out to one or more Senders. It maintains a set
// of allowed event types; spike alerts are delivered only when "spike" is in
// the set (an empty set allows everything).
type Notifier struct {
	senders []Sender
	events  map[string]bool // allowed event types
	logger  *slog.Logger
}

// NewNotifier creates a Notifier that delivers to the given senders. Only
// event types in the events slice are forwarded; if events is empty, all
// types are allowed.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.TrimSpace(e)] = true
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// SpikeAlert delivers the spike to all senders. Errors from individual
// senders are collected and returned as a combined error; a single sender
// failure does not prevent delivery to the remaining senders.
func (n *Notifier) SpikeAlert(ctx context.Context, spike domain.SpikeEvent) error {
	if len(n.events) > 0 && !n.events["spike"] {
		n.logger.DebugContext(ctx, "spike alerts disabled",
			slog.String("instrument", string(spike.Instrument)),
		)
		return nil
	}
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, spike); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("instrument", string(spike.Instrument)),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		} else {
			n.logger.DebugContext(ctx, "spike alert sent",
				slog.String("sender", s.Name()),
				slog.String("instrument", string(spike.Instrument)),
			)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// spikeSummary renders the price move in plain text, shared by senders that
// have no richer markup of their own.
func spikeSummary(spike domain.SpikeEvent) string {
	return fmt.Sprintf("%s -> %s (%+.3f%%)",
		spike.OldPrice, spike.NewPrice, spike.PctChange*100)
}
