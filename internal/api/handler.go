package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/familypush/internal/db"
	"github.com/lalithlochan/familypush/internal/dispatch"
	"github.com/lalithlochan/familypush/internal/ledger"
	"github.com/lalithlochan/familypush/internal/notify"
	"github.com/lalithlochan/familypush/internal/redis"
	"github.com/lalithlochan/familypush/internal/registry"
	"github.com/lalithlochan/familypush/internal/sqs"
	"github.com/lalithlochan/familypush/internal/worker"
)

// PushService is the send pipeline. *notify.Service implements it.
type PushService interface {
	SendTemplate(ctx context.Context, templateID, familyID, actingUserID uuid.UUID) (*notify.SendResult, error)
	SendAdHoc(ctx context.Context, n notify.AdHocNotification, receiverIDs []uuid.UUID) (*notify.SendResult, error)
	RegisterDevice(ctx context.Context, in registry.RegisterInput) (*db.DeviceToken, error)
	MarkRead(ctx context.Context, id, caller uuid.UUID) (bool, error)
	BatchMarkRead(ctx context.Context, ids []uuid.UUID, caller uuid.UUID) (int, error)
	RetryFailed(ctx context.Context, maxRetry int) (dispatch.Summary, error)
	TemplateStats(ctx context.Context, templateID uuid.UUID) (*ledger.TemplateStats, error)
	ServiceStatus(ctx context.Context) *notify.Status
}

// DeviceRegistry manages a caller's devices. *registry.Registry implements it.
type DeviceRegistry interface {
	ListForUser(ctx context.Context, userID uuid.UUID) ([]*db.DeviceToken, error)
	Remove(ctx context.Context, userID, tokenID uuid.UUID) (bool, error)
	Heartbeat(ctx context.Context, token string) (bool, error)
	Status(ctx context.Context, userID uuid.UUID, token string) (*registry.TokenStatus, error)
	Stats(ctx context.Context, userID uuid.UUID) (*registry.DeviceStats, error)
}

// RecordReader reads push records. *ledger.Ledger implements it.
type RecordReader interface {
	Get(ctx context.Context, id, caller uuid.UUID) (*db.PushRecord, error)
	Query(ctx context.Context, q db.RecordQuery) ([]*db.PushRecord, int64, error)
	ListFor(ctx context.Context, f ledger.ListFilter) ([]*db.PushRecord, error)
	UnreadCount(ctx context.Context, userID uuid.UUID, familyID *uuid.UUID) (int, error)
}

// FamilyAdmins reports family administrators. *db.FamilyRepository
// implements it.
type FamilyAdmins interface {
	IsAdmin(ctx context.Context, familyID, userID uuid.UUID) (bool, error)
}

// Enqueuer queues send jobs. *sqs.Producer implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, job sqs.SendJob) (string, error)
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	push        PushService
	devices     DeviceRegistry
	records     RecordReader
	admins      FamilyAdmins
	idempotency *redis.IdempotencyService // nil if Redis not configured
	queue       Enqueuer                  // nil if SQS not configured
	maxRetry    int
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, push PushService, devices DeviceRegistry, records RecordReader, admins FamilyAdmins) *Handler {
	return &Handler{
		logger:   logger,
		push:     push,
		devices:  devices,
		records:  records,
		admins:   admins,
		maxRetry: 3,
	}
}

// WithIdempotency enables Idempotency-Key handling on send endpoints.
func (h *Handler) WithIdempotency(svc *redis.IdempotencyService) *Handler {
	h.idempotency = svc
	return h
}

// WithQueue enables ?async=true sends.
func (h *Handler) WithQueue(q Enqueuer) *Handler {
	h.queue = q
	return h
}

// WithMaxRetry sets the default retry ceiling for manual retry requests.
func (h *Handler) WithMaxRetry(n int) *Handler {
	if n > 0 {
		h.maxRetry = n
	}
	return h
}

// Routes mounts every /v1 endpoint on r. Callers add UserFromHeader and
// any rate limiting before calling Routes.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/devices", func(r chi.Router) {
		r.Post("/", h.RegisterDevice)
		r.Get("/", h.ListDevices)
		r.Post("/heartbeat", h.Heartbeat)
		r.Get("/status", h.DeviceStatus)
		r.Get("/stats", h.DeviceStats)
		r.Delete("/{id}", h.RemoveDevice)
	})

	r.Post("/templates/{id}/send", h.SendTemplate)
	r.Get("/templates/{id}/stats", h.TemplateStats)
	r.Post("/notifications", h.SendAdHoc)

	r.Route("/records", func(r chi.Router) {
		r.Get("/", h.QueryRecords)
		r.Get("/mine", h.ListMyRecords)
		r.Get("/unread-count", h.UnreadCount)
		r.Put("/batch-read", h.BatchMarkRead)
		r.Post("/retry-failed", h.RetryFailed)
		r.Get("/{id}", h.GetRecord)
		r.Put("/{id}/read", h.MarkRead)
	})

	r.Get("/status", h.ServiceStatus)
}

// ServiceStatus handles GET /v1/status
func (h *Handler) ServiceStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.push.ServiceStatus(r.Context()))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// problemFor maps a service error onto a problem response.
func problemFor(err error) ErrorResponse {
	p := func(status int, typ, title string) ErrorResponse {
		return ErrorResponse{Type: typ, Title: title, Status: status, Detail: err.Error()}
	}

	switch {
	case errors.Is(err, notify.ErrTemplateNotFound), errors.Is(err, db.ErrNotFound):
		return p(http.StatusNotFound, "not_found", "Resource not found")
	case errors.Is(err, notify.ErrNotFamilyMember), errors.Is(err, ledger.ErrPermissionDenied):
		return p(http.StatusForbidden, "forbidden", "Permission denied")
	case errors.Is(err, notify.ErrTemplateFamilyMismatch),
		errors.Is(err, ledger.ErrInvalidNotification),
		errors.Is(err, registry.ErrInvalidInput):
		return p(http.StatusBadRequest, "invalid_request", "Invalid request")
	case errors.Is(err, notify.ErrTemplateInactive), errors.Is(err, notify.ErrNoReceivers):
		return p(http.StatusUnprocessableEntity, "unprocessable", "Nothing can be sent")
	case errors.Is(err, worker.ErrSweepInProgress):
		return p(http.StatusConflict, "retry_in_progress", "A retry sweep is already running")
	case errors.Is(err, notify.ErrOutcomesNotRecorded):
		return ErrorResponse{
			Type:   "outcomes_not_recorded",
			Title:  "Notification sent but its delivery status was not saved",
			Status: http.StatusInternalServerError,
			Detail: "do not resend; the pushes already went out",
		}
	default:
		return ErrorResponse{
			Type:   "internal_error",
			Title:  "Internal server error",
			Status: http.StatusInternalServerError,
		}
	}
}

func (h *Handler) writeServiceError(w http.ResponseWriter, op string, err error) {
	p := problemFor(err)
	if p.Status >= http.StatusInternalServerError {
		h.logger.Error(op+" failed", zap.Error(err))
	}
	h.writeError(w, p.Status, p.Type, p.Title, p.Detail)
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid "+what+" ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func queryUUID(r *http.Request, name string) (*uuid.UUID, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, errors.New(name + " must be a valid UUID")
	}
	return &id, nil
}

func queryBool(r *http.Request, name string) (*bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, errors.New(name + " must be true or false")
	}
	return &b, nil
}

// pagination parses limit (1..100, default 20) and offset (>= 0).
func pagination(r *http.Request) (limit, offset int) {
	limit = 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}
	return limit, offset
}
