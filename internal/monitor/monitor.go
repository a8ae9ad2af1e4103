// Package monitor centralizes error handling: classification, logging,
// persistence of significant events, and category-driven recovery.
package monitor

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	walleterr "github.com/helix-wallet/helixd/internal/errors"
	"github.com/helix-wallet/helixd/internal/record"
	"github.com/helix-wallet/helixd/pkg/logging"
)

// EventCollection is the record-store collection for error events.
const EventCollection = "error_events"

// eventOwner marks persisted events as system-owned.
const eventOwner = "system"

// Reconnect backoff bounds.
const (
	reconnectAttempts = 3
	reconnectBackoff  = time.Second
)

// Event is a persisted error occurrence.
type Event struct {
	ID        string             `json:"id,omitempty"`
	Kind      walleterr.Kind     `json:"kind"`
	Category  walleterr.Category `json:"category"`
	Severity  string             `json:"severity"`
	Component string             `json:"component"`
	Op        string             `json:"op"`
	Message   string             `json:"message"`
	Metadata  map[string]string  `json:"metadata,omitempty"`
	Recovered bool               `json:"recovered"`
	Time      time.Time          `json:"time"`
}

// EventFilter narrows an Events query.
type EventFilter struct {
	MinSeverity walleterr.Severity
	Category    walleterr.Category
	Since       time.Time
	Limit       int
}

// Reconnector restores a dropped node connection.
type Reconnector interface {
	Connect(ctx context.Context) error
}

// Resubmitter retries a failed transaction, typically with a bumped
// fee.
type Resubmitter interface {
	Resubmit(ctx context.Context, txID string) error
}

// Pinger checks storage integrity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler classifies errors, logs them, persists significant ones, and
// drives recovery for recoverable categories.
type Handler struct {
	store     *record.Store
	reconnect []Reconnector
	resubmit  Resubmitter
	pinger    Pinger
	log       *logging.Logger
}

// NewHandler creates a handler. Any hook may be nil; the matching
// recovery path is then skipped.
func NewHandler(store *record.Store) *Handler {
	return &Handler{
		store: store,
		log:   logging.GetDefault().Component("monitor"),
	}
}

// WithReconnector registers a node connection to restore on network
// errors.
func (h *Handler) WithReconnector(r Reconnector) *Handler {
	h.reconnect = append(h.reconnect, r)
	return h
}

// WithResubmitter registers the transaction retry hook.
func (h *Handler) WithResubmitter(r Resubmitter) *Handler {
	h.resubmit = r
	return h
}

// WithPinger registers the storage integrity hook.
func (h *Handler) WithPinger(p Pinger) *Handler {
	h.pinger = p
	return h
}

// Handle processes an error end to end. Events at error severity and
// above are persisted. Recoverable categories get a recovery attempt;
// security and validation errors never do. Only critical errors are
// returned to the caller, everything else is absorbed after handling.
func (h *Handler) Handle(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}

	werr := walleterr.AsError(err, walleterr.KindValidation, "monitor", "Handle")
	category := walleterr.CategoryOf(werr.Kind)

	h.logError(werr, category)

	recovered := false
	if category.Recoverable() {
		recovered = h.recover(ctx, werr, category)
	}

	if werr.Severity >= walleterr.SeverityError {
		h.persist(ctx, werr, category, recovered)
	}

	if werr.Severity >= walleterr.SeverityCritical && !recovered {
		return err
	}
	return nil
}

// Events returns persisted events, newest first.
func (h *Handler) Events(ctx context.Context, f *EventFilter) ([]*Event, error) {
	records, err := h.store.Query(ctx, EventCollection, &record.Filter{Owner: eventOwner})
	if err != nil {
		return nil, err
	}

	events := make([]*Event, 0, len(records))
	for _, rec := range records {
		var ev Event
		if err := json.Unmarshal(rec.Data, &ev); err != nil {
			continue
		}
		if ev.ID == "" {
			ev.ID = rec.ID
		}
		if f != nil && !matchEvent(&ev, f) {
			continue
		}
		events = append(events, &ev)
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].Time.After(events[j].Time)
	})
	if f != nil && f.Limit > 0 && len(events) > f.Limit {
		events = events[:f.Limit]
	}
	return events, nil
}

// CountsByCategory aggregates persisted events per category.
func (h *Handler) CountsByCategory(ctx context.Context) (map[walleterr.Category]int, error) {
	events, err := h.Events(ctx, nil)
	if err != nil {
		return nil, err
	}

	counts := make(map[walleterr.Category]int)
	for _, ev := range events {
		counts[ev.Category]++
	}
	return counts, nil
}

func (h *Handler) logError(werr *walleterr.Error, category walleterr.Category) {
	keyvals := []interface{}{
		"kind", werr.Kind,
		"category", category,
		"component", werr.Component,
		"op", werr.Op,
	}
	switch {
	case werr.Severity >= walleterr.SeverityCritical:
		h.log.Error("CRITICAL: "+werr.Message, keyvals...)
	case werr.Severity >= walleterr.SeverityError:
		h.log.Error(werr.Message, keyvals...)
	case werr.Severity >= walleterr.SeverityWarning:
		h.log.Warn(werr.Message, keyvals...)
	default:
		h.log.Info(werr.Message, keyvals...)
	}
}

func (h *Handler) persist(ctx context.Context, werr *walleterr.Error, category walleterr.Category, recovered bool) {
	ev := Event{
		Kind:      werr.Kind,
		Category:  category,
		Severity:  werr.Severity.String(),
		Component: werr.Component,
		Op:        werr.Op,
		Message:   werr.Message,
		Metadata:  werr.Metadata,
		Recovered: recovered,
		Time:      werr.Time,
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("Failed to encode error event", "error", err)
		return
	}
	if _, err := h.store.Put(ctx, EventCollection, eventOwner, data); err != nil {
		// Persisting the event must never mask the original error.
		h.log.Error("Failed to persist error event", "error", err)
	}
}

// recover dispatches the per-category recovery strategy and reports
// whether it succeeded.
func (h *Handler) recover(ctx context.Context, werr *walleterr.Error, category walleterr.Category) bool {
	switch category {
	case walleterr.CategoryTransaction:
		return h.recoverTransaction(ctx, werr)
	case walleterr.CategoryNetwork:
		return h.recoverNetwork(ctx)
	case walleterr.CategoryStorage:
		return h.recoverStorage(ctx)
	}
	return false
}

func (h *Handler) recoverTransaction(ctx context.Context, werr *walleterr.Error) bool {
	if h.resubmit == nil {
		return false
	}
	txID := werr.Metadata["tx_id"]
	if txID == "" {
		return false
	}

	if err := h.resubmit.Resubmit(ctx, txID); err != nil {
		h.log.Warn("Transaction resubmission failed", "tx_id", txID, "error", err)
		return false
	}
	h.log.Info("Transaction resubmitted", "tx_id", txID)
	return true
}

func (h *Handler) recoverNetwork(ctx context.Context) bool {
	if len(h.reconnect) == 0 {
		return false
	}

	backoff := reconnectBackoff
	for attempt := 0; attempt < reconnectAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		ok := true
		for _, r := range h.reconnect {
			if err := r.Connect(ctx); err != nil {
				ok = false
				break
			}
		}
		if ok {
			h.log.Info("Node connections restored", "attempt", attempt+1)
			return true
		}
	}
	h.log.Warn("Reconnection attempts exhausted")
	return false
}

func (h *Handler) recoverStorage(ctx context.Context) bool {
	if h.pinger == nil {
		return false
	}
	if err := h.pinger.Ping(ctx); err != nil {
		h.log.Error("Storage integrity check failed", "error", err)
		return false
	}
	return true
}

func matchEvent(ev *Event, f *EventFilter) bool {
	if ev.Severity != "" {
		if walleterr.ParseSeverity(ev.Severity) < f.MinSeverity {
			return false
		}
	}
	if f.Category != "" && ev.Category != f.Category {
		return false
	}
	if !f.Since.IsZero() && ev.Time.Before(f.Since) {
		return false
	}
	return true
}
