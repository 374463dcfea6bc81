package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/familypush/internal/dispatch"
	"github.com/lalithlochan/familypush/internal/metrics"
	"github.com/lalithlochan/familypush/internal/notify"
	"github.com/lalithlochan/familypush/internal/redis"
	"github.com/lalithlochan/familypush/internal/sqs"
)

// SendTemplateRequest is the body of POST /v1/templates/{id}/send.
type SendTemplateRequest struct {
	FamilyID string `json:"family_id"`
}

// SendRequest is the body of POST /v1/notifications.
type SendRequest struct {
	FamilyID    string   `json:"family_id"`
	Title       string   `json:"title"`
	Content     string   `json:"content"`
	Icon        string   `json:"icon,omitempty"`
	Type        int      `json:"type,omitempty"`
	Priority    int      `json:"priority,omitempty"`
	ReceiverIDs []string `json:"receiver_ids,omitempty"`
}

// SendResponse reports a synchronous send.
type SendResponse struct {
	Delivered bool             `json:"delivered"`
	Receivers int              `json:"receivers"`
	Records   int              `json:"records"`
	Summary   dispatch.Summary `json:"summary"`
}

// QueuedResponse reports an asynchronous send.
type QueuedResponse struct {
	Queued    bool   `json:"queued"`
	MessageID string `json:"message_id"`
}

// outcome is a response computed by a send, before it is written and
// remembered under the idempotency key.
// keep stores a server error under the key anyway, for sends whose
// pushes already went out.
type outcome struct {
	status int
	body   any
	keep   bool
}

func failed(err error) outcome {
	p := problemFor(err)
	return outcome{status: p.Status, body: p, keep: errors.Is(err, notify.ErrOutcomesNotRecorded)}
}

func invalid(title, detail string) outcome {
	return outcome{
		status: http.StatusBadRequest,
		body: ErrorResponse{
			Type:   "invalid_request",
			Title:  title,
			Status: http.StatusBadRequest,
			Detail: detail,
		},
	}
}

func sent(res *notify.SendResult) outcome {
	return outcome{status: http.StatusOK, body: SendResponse{
		Delivered: res.Delivered(),
		Receivers: res.Receivers,
		Records:   res.Records,
		Summary:   res.Summary,
	}}
}

// SendTemplate handles POST /v1/templates/{id}/send
// Supports idempotency via the Idempotency-Key header and ?async=true.
func (h *Handler) SendTemplate(w http.ResponseWriter, r *http.Request) {
	templateID, ok := h.pathID(w, r, "template")
	if !ok {
		return
	}

	var req SendTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	familyID, err := uuid.Parse(req.FamilyID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid family_id", "family_id must be a valid UUID")
		return
	}

	caller := Caller(r.Context())
	h.idempotent(w, r, func() outcome {
		if h.async(r) {
			return h.enqueue(r, notify.TemplateJob(templateID, familyID, caller))
		}

		res, err := h.push.SendTemplate(r.Context(), templateID, familyID, caller)
		if err != nil {
			h.logSendError("template send", err, zap.String("template_id", templateID.String()))
			return failed(err)
		}
		return sent(res)
	})
}

// SendAdHoc handles POST /v1/notifications
// Supports idempotency via the Idempotency-Key header and ?async=true.
func (h *Handler) SendAdHoc(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.Title == "" || req.Content == "" || req.FamilyID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "family_id, title and content are required")
		return
	}
	familyID, err := uuid.Parse(req.FamilyID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid family_id", "family_id must be a valid UUID")
		return
	}
	receivers := make([]uuid.UUID, 0, len(req.ReceiverIDs))
	for _, raw := range req.ReceiverIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid receiver_ids", "every receiver id must be a valid UUID")
			return
		}
		receivers = append(receivers, id)
	}

	n := notify.AdHocNotification{
		FamilyID:     familyID,
		ActingUserID: Caller(r.Context()),
		Title:        req.Title,
		Content:      req.Content,
		Icon:         req.Icon,
		Type:         req.Type,
		Priority:     req.Priority,
	}

	h.idempotent(w, r, func() outcome {
		if h.async(r) {
			return h.enqueue(r, notify.AdHocJob(n, receivers))
		}

		res, err := h.push.SendAdHoc(r.Context(), n, receivers)
		if err != nil {
			h.logSendError("ad hoc send", err, zap.String("family_id", familyID.String()))
			return failed(err)
		}
		return sent(res)
	})
}

func (h *Handler) async(r *http.Request) bool {
	return r.URL.Query().Get("async") == "true"
}

func (h *Handler) enqueue(r *http.Request, job sqs.SendJob) outcome {
	if h.queue == nil {
		return invalid("Async sends unavailable", "no send queue is configured")
	}

	msgID, err := h.queue.Enqueue(r.Context(), job)
	if err != nil {
		h.logger.Error("failed to enqueue send job",
			zap.Error(err),
			zap.String("kind", job.Kind),
			zap.String("family_id", job.FamilyID),
		)
		return outcome{status: http.StatusInternalServerError, body: ErrorResponse{
			Type:   "enqueue_error",
			Title:  "Failed to enqueue notification",
			Status: http.StatusInternalServerError,
		}}
	}

	h.logger.Info("send job enqueued",
		zap.String("kind", job.Kind),
		zap.String("sqs_message_id", msgID),
	)
	return outcome{status: http.StatusAccepted, body: QueuedResponse{Queued: true, MessageID: msgID}}
}

func (h *Handler) logSendError(op string, err error, fields ...zap.Field) {
	fields = append(fields, zap.Error(err))
	if problemFor(err).Status >= http.StatusInternalServerError {
		h.logger.Error(op+" failed", fields...)
		return
	}
	h.logger.Info(op+" rejected", fields...)
}

// idempotent runs send once per (caller, Idempotency-Key). A repeated key
// replays the first response; a key still in flight is a conflict. Server
// errors release the key so the client may retry, unless the pushes
// already went out.
func (h *Handler) idempotent(w http.ResponseWriter, r *http.Request, send func() outcome) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" || h.idempotency == nil {
		o := send()
		h.writeOutcome(w, o.status, o.body)
		return
	}

	ctx := r.Context()
	scope := Caller(ctx).String()

	reserved := true
	stored, err := h.idempotency.Begin(ctx, scope, key)
	switch {
	case errors.Is(err, redis.ErrDuplicateRequest):
		h.writeError(w, http.StatusConflict, "duplicate_request",
			"Request is already being processed",
			"Another request with this idempotency key is in progress")
		return
	case err != nil:
		h.logger.Warn("idempotency check failed, proceeding",
			zap.Error(err),
			zap.String("idempotency_key", key),
		)
		reserved = false
	case stored != nil:
		metrics.RecordIdempotencyHit()
		w.Header().Set("X-Idempotency-Replayed", "true")
		h.writeOutcome(w, stored.StatusCode, stored.Body)
		return
	}

	o := send()
	body, err := json.Marshal(o.body)
	if err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
		body = nil
	}

	if reserved {
		storeCtx := context.WithoutCancel(ctx)
		if (o.status >= http.StatusInternalServerError && !o.keep) || body == nil {
			if err := h.idempotency.Abort(storeCtx, scope, key); err != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(err), zap.String("idempotency_key", key))
			}
		} else if err := h.idempotency.Complete(storeCtx, scope, key, &redis.StoredResponse{StatusCode: o.status, Body: body}); err != nil {
			h.logger.Warn("failed to store idempotency result", zap.Error(err), zap.String("idempotency_key", key))
		}
	}

	h.writeOutcome(w, o.status, json.RawMessage(body))
}

func (h *Handler) writeOutcome(w http.ResponseWriter, status int, body any) {
	if status >= http.StatusBadRequest {
		w.Header().Set("Content-Type", "application/problem+json")
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
