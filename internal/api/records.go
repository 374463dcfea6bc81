package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/familypush/internal/db"
	"github.com/lalithlochan/familypush/internal/ledger"
)

// BatchReadRequest is the body of PUT /v1/records/batch-read.
type BatchReadRequest struct {
	IDs []string `json:"ids"`
}

// RetryRequest is the optional body of POST /v1/records/retry-failed.
type RetryRequest struct {
	MaxRetry int `json:"max_retry"`
}

// QueryRecords handles GET /v1/records?family_id=&template_id=&push_status=&limit=&offset=
// Family admins may query their family's records; everyone else only sees
// records they sent or received.
func (h *Handler) QueryRecords(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := Caller(ctx)

	q, detail := parseRecordQuery(r)
	if detail != "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid query", detail)
		return
	}

	admin := false
	if q.FamilyID != nil && h.admins != nil {
		ok, err := h.admins.IsAdmin(ctx, *q.FamilyID, caller)
		if err != nil {
			h.writeServiceError(w, "admin check", err)
			return
		}
		admin = ok
	}
	if !admin {
		switch {
		case q.SenderID != nil && *q.SenderID == caller:
		case q.ReceiverID != nil && *q.ReceiverID == caller:
		case q.SenderID == nil && q.ReceiverID == nil:
			q.ReceiverID = &caller
		default:
			h.writeError(w, http.StatusForbidden, "forbidden", "Permission denied", "only family admins may query other users' records")
			return
		}
	}

	records, total, err := h.records.Query(ctx, q)
	if err != nil {
		h.writeServiceError(w, "query records", err)
		return
	}
	if records == nil {
		records = []*db.PushRecord{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":   records,
		"total":  total,
		"limit":  q.Limit,
		"offset": q.Offset,
		"count":  len(records),
	})
}

func parseRecordQuery(r *http.Request) (db.RecordQuery, string) {
	var q db.RecordQuery
	q.Limit, q.Offset = pagination(r)

	var err error
	for name, dst := range map[string]**uuid.UUID{
		"template_id": &q.TemplateID,
		"sender_id":   &q.SenderID,
		"receiver_id": &q.ReceiverID,
		"family_id":   &q.FamilyID,
	} {
		if *dst, err = queryUUID(r, name); err != nil {
			return q, err.Error()
		}
	}

	if q.IsRead, err = queryBool(r, "is_read"); err != nil {
		return q, err.Error()
	}

	if raw := r.URL.Query().Get("push_status"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < int(db.PushPending) || n > int(db.PushFailed) {
			return q, "push_status must be 0, 1 or 2"
		}
		s := db.PushStatus(n)
		q.PushStatus = &s
	}

	for name, dst := range map[string]**time.Time{
		"created_after":  &q.CreatedAfter,
		"created_before": &q.CreatedBefore,
	} {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return q, name + " must be an RFC 3339 timestamp"
		}
		*dst = &ts
	}
	return q, ""
}

// ListMyRecords handles GET /v1/records/mine?family_id=&is_read=&limit=
func (h *Handler) ListMyRecords(w http.ResponseWriter, r *http.Request) {
	familyID, err := queryUUID(r, "family_id")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid family_id", err.Error())
		return
	}
	isRead, err := queryBool(r, "is_read")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid is_read", err.Error())
		return
	}
	limit, _ := pagination(r)

	records, err := h.records.ListFor(r.Context(), ledger.ListFilter{
		UserID:   Caller(r.Context()),
		FamilyID: familyID,
		IsRead:   isRead,
		Limit:    limit,
	})
	if err != nil {
		h.writeServiceError(w, "list records", err)
		return
	}
	if records == nil {
		records = []*db.PushRecord{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":  records,
		"limit": limit,
		"count": len(records),
	})
}

// UnreadCount handles GET /v1/records/unread-count?family_id=
func (h *Handler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	familyID, err := queryUUID(r, "family_id")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid family_id", err.Error())
		return
	}

	n, err := h.records.UnreadCount(r.Context(), Caller(r.Context()), familyID)
	if err != nil {
		h.writeServiceError(w, "unread count", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

// GetRecord handles GET /v1/records/{id}
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "record")
	if !ok {
		return
	}

	rec, err := h.records.Get(r.Context(), id, Caller(r.Context()))
	if err != nil {
		h.writeServiceError(w, "get record", err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// MarkRead handles PUT /v1/records/{id}/read
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "record")
	if !ok {
		return
	}

	if _, err := h.push.MarkRead(r.Context(), id, Caller(r.Context())); err != nil {
		h.writeServiceError(w, "mark read", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"id":      id.String(),
		"is_read": true,
	})
}

// BatchMarkRead handles PUT /v1/records/batch-read
func (h *Handler) BatchMarkRead(w http.ResponseWriter, r *http.Request) {
	var req BatchReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if len(req.IDs) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing ids", "ids must not be empty")
		return
	}

	ids := make([]uuid.UUID, 0, len(req.IDs))
	for _, raw := range req.IDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid ids", "every id must be a valid UUID")
			return
		}
		ids = append(ids, id)
	}

	marked, err := h.push.BatchMarkRead(r.Context(), ids, Caller(r.Context()))
	if err != nil {
		h.writeServiceError(w, "batch mark read", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{
		"requested": len(ids),
		"marked":    marked,
	})
}

// RetryFailed handles POST /v1/records/retry-failed
// max_retry may lower the configured retry ceiling but never raise it.
func (h *Handler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	req := RetryRequest{MaxRetry: h.maxRetry}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
			return
		}
	}
	if req.MaxRetry <= 0 || req.MaxRetry > h.maxRetry {
		req.MaxRetry = h.maxRetry
	}

	summary, err := h.push.RetryFailed(r.Context(), req.MaxRetry)
	if err != nil {
		h.writeServiceError(w, "retry failed records", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"max_retry": req.MaxRetry,
		"summary":   summary,
		"delivered": summary.Delivered(),
	})
}

// TemplateStats handles GET /v1/templates/{id}/stats
func (h *Handler) TemplateStats(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "template")
	if !ok {
		return
	}

	stats, err := h.push.TemplateStats(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "template stats", err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}
