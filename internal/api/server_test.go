package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"schemealert/internal/config"
	"schemealert/internal/queue"
	"schemealert/internal/types"
)

type nopLogger struct{}

func (nopLogger) Info(string, ...any)      {}
func (nopLogger) Warn(string, ...any)      {}
func (nopLogger) Error(string, ...any)     {}
func (nopLogger) With(...any) types.Logger { return nopLogger{} }

type stubQueue struct {
	health      queue.Health
	deadLetters []types.DeadLetterEntry
	requeued    []string
	discarded   []string
	failWith    error
}

func (s *stubQueue) Health() queue.Health                 { return s.health }
func (s *stubQueue) DeadLetters() []types.DeadLetterEntry { return s.deadLetters }

func (s *stubQueue) RequeueDeadLetter(_ context.Context, messageID string) error {
	if s.failWith != nil {
		return s.failWith
	}
	s.requeued = append(s.requeued, messageID)
	return nil
}

func (s *stubQueue) DiscardDeadLetter(_ context.Context, messageID string) error {
	if s.failWith != nil {
		return s.failWith
	}
	s.discarded = append(s.discarded, messageID)
	return nil
}

type stubApplier struct {
	applied  []types.DeliveryStatusEvent
	failWith error
}

func (s *stubApplier) ApplyDeliveryStatus(_ context.Context, ev types.DeliveryStatusEvent) error {
	if s.failWith != nil {
		return s.failWith
	}
	s.applied = append(s.applied, ev)
	return nil
}

type stubArchive struct {
	entries  []queue.ArchivedEntry
	retrieve *types.DeadLetterEntry
	failWith error
}

func (s *stubArchive) List() []queue.ArchivedEntry { return s.entries }

func (s *stubArchive) Retrieve(string) (*types.DeadLetterEntry, error) {
	if s.failWith != nil {
		return nil, s.failWith
	}
	return s.retrieve, nil
}

type stubAudit struct {
	events   []types.AlertTriggerEvent
	gotLimit int
}

func (s *stubAudit) ListTriggerEvents(_ context.Context, limit int) ([]types.AlertTriggerEvent, error) {
	s.gotLimit = limit
	return s.events, nil
}

type fixture struct {
	server  *Server
	queue   *stubQueue
	applier *stubApplier
	archive *stubArchive
	audit   *stubAudit
}

func newFixture(t *testing.T, cfg config.OperatorConfig) *fixture {
	t.Helper()
	f := &fixture{
		queue:   &stubQueue{health: queue.Health{State: types.QueueHealthy}},
		applier: &stubApplier{},
		archive: &stubArchive{},
		audit:   &stubAudit{},
	}
	f.server = NewServer(cfg, f.queue, f.applier, f.archive, f.audit, nopLogger{})
	return f
}

func doRequest(t *testing.T, s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	f := newFixture(t, config.OperatorConfig{})
	f.queue.health = queue.Health{State: types.QueueDegraded, Depth: 12}

	rec := doRequest(t, f.server, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"degraded"`)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestHealth_Unhealthy(t *testing.T) {
	f := newFixture(t, config.OperatorConfig{})
	f.queue.health = queue.Health{State: types.QueueUnhealthy}

	rec := doRequest(t, f.server, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealth_ProbesReported(t *testing.T) {
	f := newFixture(t, config.OperatorConfig{})
	f.server.RegisterHealthProbe("database", func(context.Context) error { return nil })

	rec := doRequest(t, f.server, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data healthResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Contains(t, resp.Data.Components, "database")
	assert.Equal(t, "healthy", resp.Data.Components["database"].Status)
	assert.Equal(t, string(types.QueueHealthy), resp.Data.Status)
}

func TestHealth_FailingProbeIsUnhealthy(t *testing.T) {
	f := newFixture(t, config.OperatorConfig{})
	f.server.RegisterHealthProbe("database", func(context.Context) error {
		return errors.New("connection refused")
	})

	rec := doRequest(t, f.server, http.MethodGet, "/health", nil)

	// The queue itself is healthy; the failing subsystem alone drags the
	// endpoint to 503.
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp struct {
		Data healthResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Contains(t, resp.Data.Components, "database")
	assert.Equal(t, "unhealthy", resp.Data.Components["database"].Status)
	assert.Equal(t, "connection refused", resp.Data.Components["database"].Message)
}

func TestHealth_PanickingProbeIsUnhealthy(t *testing.T) {
	f := newFixture(t, config.OperatorConfig{})
	f.server.RegisterHealthProbe("broker", func(context.Context) error {
		panic("nil client")
	})

	rec := doRequest(t, f.server, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp struct {
		Data healthResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Contains(t, resp.Data.Components, "broker")
	assert.Equal(t, "unhealthy", resp.Data.Components["broker"].Status)
	assert.Contains(t, resp.Data.Components["broker"].Message, "nil client")
}

func TestDeliveryStatusWebhook(t *testing.T) {
	f := newFixture(t, config.OperatorConfig{})

	body, err := json.Marshal(types.DeliveryStatusEvent{
		DeliveryID: "dlv-1",
		Status:     types.DeliveryStatusDelivered,
		OccurredAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	rec := doRequest(t, f.server, http.MethodPost, "/v1/delivery-status", body)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, f.applier.applied, 1)
	assert.Equal(t, "dlv-1", f.applier.applied[0].DeliveryID)
}

func TestDeliveryStatusWebhook_UnknownDeliveryIs404(t *testing.T) {
	f := newFixture(t, config.OperatorConfig{})
	f.applier.failWith = types.NewAppError(types.ErrCodeNotFoundMessage, "no tracked delivery", nil)

	body, _ := json.Marshal(types.DeliveryStatusEvent{DeliveryID: "ghost", Status: types.DeliveryStatusDelivered})
	rec := doRequest(t, f.server, http.MethodPost, "/v1/delivery-status", body)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), string(types.ErrCodeNotFoundMessage))
}

func TestDeliveryStatusWebhook_MalformedBody(t *testing.T) {
	f := newFixture(t, config.OperatorConfig{})

	rec := doRequest(t, f.server, http.MethodPost, "/v1/delivery-status", []byte("{not json"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "validation_invalid_json")
}

func TestAPIKeyAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("op-secret"), bcrypt.MinCost)
	require.NoError(t, err)
	f := newFixture(t, config.OperatorConfig{APIKeyHash: string(hash)})

	// No Authorization header.
	rec := doRequest(t, f.server, http.MethodGet, "/v1/dead-letters/", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), string(types.ErrCodeAuthAPIKeyMissing))

	// Wrong key.
	req := httptest.NewRequest(http.MethodGet, "/v1/dead-letters/", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), string(types.ErrCodeAuthAPIKeyInvalid))

	// Correct key.
	req = httptest.NewRequest(http.MethodGet, "/v1/dead-letters/", nil)
	req.Header.Set("Authorization", "Bearer op-secret")
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health stays open regardless.
	rec = doRequest(t, f.server, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIKeyAuth_EmptyHashDisablesCheck(t *testing.T) {
	f := newFixture(t, config.OperatorConfig{})

	rec := doRequest(t, f.server, http.MethodGet, "/v1/dead-letters/", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListDeadLetters(t *testing.T) {
	f := newFixture(t, config.OperatorConfig{})
	f.queue.deadLetters = []types.DeadLetterEntry{
		{
			Message:  types.QueuedMessage{ID: "msg-1", Channel: types.ChannelChat},
			Failures: []types.FailureRecord{{Reason: "timeout"}},
			FailedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		},
	}

	rec := doRequest(t, f.server, http.MethodGet, "/v1/dead-letters/", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "msg-1")
	assert.Contains(t, rec.Body.String(), "timeout")
}

func TestRequeueDeadLetter(t *testing.T) {
	f := newFixture(t, config.OperatorConfig{})

	rec := doRequest(t, f.server, http.MethodPost, "/v1/dead-letters/msg-1/requeue", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"msg-1"}, f.queue.requeued)
	assert.Contains(t, rec.Body.String(), `"requeued"`)
}

func TestRequeueDeadLetter_NotFound(t *testing.T) {
	f := newFixture(t, config.OperatorConfig{})
	f.queue.failWith = types.NewAppError(types.ErrCodeNotFoundDeadLetter, "dead letter not found", nil)

	rec := doRequest(t, f.server, http.MethodPost, "/v1/dead-letters/ghost/requeue", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDiscardDeadLetter(t *testing.T) {
	f := newFixture(t, config.OperatorConfig{})

	rec := doRequest(t, f.server, http.MethodDelete, "/v1/dead-letters/msg-1", nil)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"msg-1"}, f.queue.discarded)
}

func TestArchiveEndpoints(t *testing.T) {
	f := newFixture(t, config.OperatorConfig{})
	f.archive.entries = []queue.ArchivedEntry{
		{MessageID: "msg-9", ArchivedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), CompressedSize: 120},
	}
	f.archive.retrieve = &types.DeadLetterEntry{
		Message: types.QueuedMessage{ID: "msg-9", UserID: "user-1"},
	}

	rec := doRequest(t, f.server, http.MethodGet, "/v1/archive/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "msg-9")

	rec = doRequest(t, f.server, http.MethodGet, "/v1/archive/msg-9", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "user-1")
}

func TestArchiveRetrieve_NotFound(t *testing.T) {
	f := newFixture(t, config.OperatorConfig{})
	f.archive.failWith = types.NewAppError(types.ErrCodeNotFoundDeadLetter, "archived entry not found", nil)

	rec := doRequest(t, f.server, http.MethodGet, "/v1/archive/ghost", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTriggerEvents(t *testing.T) {
	f := newFixture(t, config.OperatorConfig{})
	f.audit.events = []types.AlertTriggerEvent{
		{ID: "evt-1", SchemeID: "scheme-1", Status: types.TriggerCompleted},
	}

	rec := doRequest(t, f.server, http.MethodGet, "/v1/trigger-events?limit=10", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 10, f.audit.gotLimit)
	assert.Contains(t, rec.Body.String(), "evt-1")
}

func TestListTriggerEvents_InvalidLimit(t *testing.T) {
	f := newFixture(t, config.OperatorConfig{})

	rec := doRequest(t, f.server, http.MethodGet, "/v1/trigger-events?limit=9999", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListTriggerEvents_NoStore(t *testing.T) {
	f := &fixture{
		queue:   &stubQueue{health: queue.Health{State: types.QueueHealthy}},
		applier: &stubApplier{},
		archive: &stubArchive{},
	}
	f.server = NewServer(config.OperatorConfig{}, f.queue, f.applier, f.archive, nil, nopLogger{})

	rec := doRequest(t, f.server, http.MethodGet, "/v1/trigger-events", nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
