package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"schemealert/internal/queue"
	"schemealert/internal/types"
)

// healthProbeTimeout bounds the whole probe fan-out, not each probe; a
// probe still running at the deadline is reported as timed out.
const healthProbeTimeout = 2 * time.Second

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Queue      queue.Health               `json:"queue"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// handleHealth combines the queue health snapshot with the registered
// subsystem probes. An unhealthy queue or a failing probe maps to 503 so
// load balancers stop routing; degraded still answers 200 because the
// pipeline is making progress.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.queue.Health()
	components, failed := s.runHealthProbes(r.Context())

	status := http.StatusOK
	overall := string(h.State)
	if h.State == types.QueueUnhealthy || failed {
		status = http.StatusServiceUnavailable
		overall = string(types.QueueUnhealthy)
	}

	JSON(w, r, status, APIResponse{Data: healthResponse{
		Status:     overall,
		Queue:      h,
		Components: components,
	}})
}

// runHealthProbes fans the registered probes out concurrently and collects
// their verdicts. Probes that panic or outlive the deadline count as
// failures rather than taking the endpoint down with them.
func (s *Server) runHealthProbes(ctx context.Context) (map[string]componentStatus, bool) {
	if len(s.probes) == 0 {
		return nil, false
	}

	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	var (
		mu      sync.Mutex
		results = make(map[string]error, len(s.probes))
		wg      sync.WaitGroup
	)
	for _, p := range s.probes {
		wg.Add(1)
		go func(p healthProbe) {
			defer wg.Done()
			var err error
			func() {
				defer func() {
					if rec := recover(); rec != nil {
						err = fmt.Errorf("probe panic: %v", rec)
					}
				}()
				err = p.check(ctx)
			}()
			mu.Lock()
			results[p.name] = err
			mu.Unlock()
		}(p)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	components := make(map[string]componentStatus, len(s.probes))
	failed := false
	mu.Lock()
	defer mu.Unlock()
	for _, p := range s.probes {
		err, ok := results[p.name]
		switch {
		case !ok:
			components[p.name] = componentStatus{Status: "unhealthy", Message: "check timed out"}
			failed = true
		case err != nil:
			components[p.name] = componentStatus{Status: "unhealthy", Message: err.Error()}
			failed = true
		default:
			components[p.name] = componentStatus{Status: "healthy"}
		}
	}
	return components, failed
}

// handleDeliveryStatus accepts one provider delivery receipt. Unknown
// delivery ids map to 404; the provider treats that as final and stops
// redelivering.
func (s *Server) handleDeliveryStatus(w http.ResponseWriter, r *http.Request) {
	var ev types.DeliveryStatusEvent
	if err := DecodeJSON(w, r, &ev); err != nil {
		Error(w, r, err)
		return
	}

	if err := s.status.ApplyDeliveryStatus(r.Context(), ev); err != nil {
		Error(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleListDeadLetters returns every dead-letter entry with its failure
// history, oldest first.
func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	JSON(w, r, http.StatusOK, APIResponse{Data: s.queue.DeadLetters()})
}

// handleRequeueDeadLetter resets a dead letter's retry budget and returns it
// to its priority lane.
func (s *Server) handleRequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")
	if messageID == "" {
		Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
			"message id is required", nil))
		return
	}

	if err := s.queue.RequeueDeadLetter(r.Context(), messageID); err != nil {
		Error(w, r, err)
		return
	}

	JSON(w, r, http.StatusOK, APIResponse{Data: map[string]string{
		"message_id": messageID,
		"action":     "requeued",
	}})
}

// handleDiscardDeadLetter removes a dead letter permanently. The entry is
// archived before removal, so Discard is recoverable through the archive.
func (s *Server) handleDiscardDeadLetter(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")
	if messageID == "" {
		Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
			"message id is required", nil))
		return
	}

	if err := s.queue.DiscardDeadLetter(r.Context(), messageID); err != nil {
		Error(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleListArchive returns metadata for all archived dead letters.
func (s *Server) handleListArchive(w http.ResponseWriter, r *http.Request) {
	JSON(w, r, http.StatusOK, APIResponse{Data: s.archive.List()})
}

// handleGetArchived retrieves and decompresses one archived entry.
func (s *Server) handleGetArchived(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")
	if messageID == "" {
		Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
			"message id is required", nil))
		return
	}

	entry, err := s.archive.Retrieve(messageID)
	if err != nil {
		Error(w, r, err)
		return
	}

	JSON(w, r, http.StatusOK, APIResponse{Data: entry})
}

// handleListTriggerEvents lists recent cycle audit records, newest first.
// Requires the durable store.
func (s *Server) handleListTriggerEvents(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		Error(w, r, types.NewAppError(types.ErrCodeInternalStore,
			"trigger event audit requires the durable store", nil))
		return
	}

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n < 1 || n > 500 {
			Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
				"limit must be a number between 1 and 500", nil))
			return
		}
		limit = n
	}

	events, err := s.audit.ListTriggerEvents(r.Context(), limit)
	if err != nil {
		Error(w, r, err)
		return
	}

	JSON(w, r, http.StatusOK, APIResponse{Data: events})
}
