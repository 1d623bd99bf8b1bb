// Package api provides the operator HTTP surface for the alert pipeline:
// the queue health probe, the inbound delivery-status webhook, and the
// dead-letter, archive, and cycle-audit operator endpoints. Cross-cutting
// concerns (request IDs, logging, panic recovery, API-key auth) are enforced
// here before requests reach the domain packages.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"schemealert/internal/config"
	"schemealert/internal/queue"
	"schemealert/internal/types"
)

// QueueAdmin is the slice of the message queue the operator API needs.
type QueueAdmin interface {
	Health() queue.Health
	DeadLetters() []types.DeadLetterEntry
	RequeueDeadLetter(ctx context.Context, messageID string) error
	DiscardDeadLetter(ctx context.Context, messageID string) error
}

// StatusApplier resolves inbound delivery receipts against tracked sends.
// Implemented by the dispatcher.
type StatusApplier interface {
	ApplyDeliveryStatus(ctx context.Context, ev types.DeliveryStatusEvent) error
}

// ArchiveReader exposes the dead-letter archive to operators.
type ArchiveReader interface {
	List() []queue.ArchivedEntry
	Retrieve(messageID string) (*types.DeadLetterEntry, error)
}

// AuditLister lists persisted trigger-cycle audit records. Nil when the
// pipeline runs without a durable store.
type AuditLister interface {
	ListTriggerEvents(ctx context.Context, limit int) ([]types.AlertTriggerEvent, error)
}

// healthProbe is one registered subsystem check behind GET /health.
type healthProbe struct {
	name  string
	check func(ctx context.Context) error
}

// Server wires the operator endpoints onto a chi router.
type Server struct {
	queue      QueueAdmin
	status     StatusApplier
	archive    ArchiveReader
	audit      AuditLister
	logger     types.Logger
	apiKeyHash string
	probes     []healthProbe

	router *chi.Mux
}

// NewServer constructs the operator API server and mounts its routes.
// audit may be nil; the audit endpoint then reports the store as absent.
func NewServer(
	cfg config.OperatorConfig,
	q QueueAdmin,
	status StatusApplier,
	archive ArchiveReader,
	audit AuditLister,
	logger types.Logger,
) *Server {
	s := &Server{
		queue:      q,
		status:     status,
		archive:    archive,
		audit:      audit,
		logger:     logger.With("component", "api"),
		apiKeyHash: cfg.APIKeyHash,
		router:     chi.NewRouter(),
	}
	s.mountRoutes()
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// RegisterHealthProbe adds a subsystem check to GET /health. Probes run
// concurrently on each request; a failing or timed-out probe marks the
// service unhealthy. Not safe to call after the server starts serving.
func (s *Server) RegisterHealthProbe(name string, check func(ctx context.Context) error) {
	s.probes = append(s.probes, healthProbe{name: name, check: check})
}

// mountRoutes registers the middleware chain and all routes. Recoverer is
// outermost so every panic is caught; auth applies to the /v1 group only,
// keeping the health probe open for load balancers.
func (s *Server) mountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(RequestIDMiddleware)
	s.router.Use(SecurityHeadersMiddleware)
	s.router.Use(s.RequestLogger)

	s.router.Get("/health", s.handleHealth)

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(s.RequireAPIKey)

		r.Post("/delivery-status", s.handleDeliveryStatus)

		r.Route("/dead-letters", func(r chi.Router) {
			r.Get("/", s.handleListDeadLetters)
			r.Post("/{messageID}/requeue", s.handleRequeueDeadLetter)
			r.Delete("/{messageID}", s.handleDiscardDeadLetter)
		})

		r.Route("/archive", func(r chi.Router) {
			r.Get("/", s.handleListArchive)
			r.Get("/{messageID}", s.handleGetArchived)
		})

		r.Get("/trigger-events", s.handleListTriggerEvents)
	})
}
