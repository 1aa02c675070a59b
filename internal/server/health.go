package server

import (
	"context"
	"encoding/json"
	"github.com/clambin/sprinkler/internal/sequencer"
	"log/slog"
	"net/http"
	"sync"
)

// StatusSource publishes sequencer status updates.
type StatusSource interface {
	Subscribe() chan sequencer.Status
	Unsubscribe(ch chan sequencer.Status)
}

// Health serves the latest sequencer status as a liveness check. It responds
// with 503 until the first status arrives.
type Health struct {
	statuses StatusSource
	logger   *slog.Logger
	status   sequencer.Status
	updated  bool
	lock     sync.RWMutex
}

func NewHealth(statuses StatusSource, logger *slog.Logger) *Health {
	return &Health{
		statuses: statuses,
		logger:   logger,
	}
}

func (h *Health) Run(ctx context.Context) error {
	h.logger.Debug("started")
	defer h.logger.Debug("stopped")

	ch := h.statuses.Subscribe()
	defer h.statuses.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case status := <-ch:
			h.lock.Lock()
			h.status = status
			h.updated = true
			h.lock.Unlock()
		}
	}
}

func (h *Health) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	h.lock.RLock()
	defer h.lock.RUnlock()
	if !h.updated {
		http.Error(w, "no status yet", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(h.status); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
