// Package notify wires the resolver, ledger, dispatcher and registry into
// the send and bookkeeping operations offered to callers.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/familypush/internal/circuitbreaker"
	"github.com/lalithlochan/familypush/internal/db"
	"github.com/lalithlochan/familypush/internal/dispatch"
	"github.com/lalithlochan/familypush/internal/ledger"
	"github.com/lalithlochan/familypush/internal/metrics"
	"github.com/lalithlochan/familypush/internal/registry"
	"github.com/lalithlochan/familypush/internal/worker"
)

var (
	ErrTemplateNotFound       = errors.New("template not found")
	ErrTemplateFamilyMismatch = errors.New("template does not belong to family")
	ErrTemplateInactive       = errors.New("template is inactive")
	ErrNotFamilyMember        = errors.New("user is not an active family member")
	ErrNoReceivers            = errors.New("no receivers to notify")

	// ErrOutcomesNotRecorded means pushes went out but their outcomes could
	// not be written back. The SendResult is still returned alongside it.
	ErrOutcomesNotRecorded = errors.New("push outcomes not recorded")
)

// Templates reads notification templates. *db.FamilyRepository implements it.
type Templates interface {
	GetTemplate(ctx context.Context, id uuid.UUID) (*db.Template, error)
	IncrementUsageCount(ctx context.Context, id uuid.UUID) error
}

// Members answers family membership. *db.FamilyRepository implements it.
type Members interface {
	IsMember(ctx context.Context, familyID, userID uuid.UUID) (bool, error)
}

// Recipients resolves who a send goes to. *resolver.Resolver implements it.
type Recipients interface {
	Resolve(ctx context.Context, familyID uuid.UUID, explicit []uuid.UUID) ([]uuid.UUID, error)
}

// Records is the push record ledger. *ledger.Ledger implements it.
type Records interface {
	CreateRecords(ctx context.Context, n ledger.Notification, senderID uuid.UUID, receiverIDs []uuid.UUID) ([]*db.PushRecord, error)
	MarkRead(ctx context.Context, id, caller uuid.UUID) (bool, error)
	BatchMarkRead(ctx context.Context, ids []uuid.UUID, caller uuid.UUID) (int, error)
	TemplateStats(ctx context.Context, templateID uuid.UUID) (*ledger.TemplateStats, error)
}

// Dispatcher sends records. *dispatch.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, records []*db.PushRecord) (dispatch.Summary, error)
	Config() dispatch.Config
}

// Devices registers device tokens. *registry.Registry implements it.
type Devices interface {
	Register(ctx context.Context, in registry.RegisterInput) (*db.DeviceToken, error)
}

// Gateway reports on the push gateway. *expo.Client implements it.
type Gateway interface {
	URL() string
	Probe(ctx context.Context) error
}

// Deps are the collaborators of a Service. Breaker is optional.
type Deps struct {
	Templates  Templates
	Members    Members
	Recipients Recipients
	Records    Records
	Dispatcher Dispatcher
	Devices    Devices
	Retrier    worker.Retrier
	Gateway    Gateway
	Breaker    *circuitbreaker.CircuitBreaker
}

// Service is the entry point for sending family notifications.
type Service struct {
	deps   Deps
	logger *zap.Logger
	now    func() time.Time
}

// New creates a Service.
func New(deps Deps, logger *zap.Logger) *Service {
	return &Service{deps: deps, logger: logger, now: time.Now}
}

// SendResult reports how a send went. Summary.Delivered tells the caller
// whether anything reached a device.
type SendResult struct {
	Receivers int              `json:"receivers"`
	Records   int              `json:"records"`
	Summary   dispatch.Summary `json:"summary"`
}

// Delivered reports whether at least one message was accepted.
func (r *SendResult) Delivered() bool {
	return r.Summary.Delivered()
}

// SendTemplate sends a family template on behalf of actingUserID. The
// template's receiver list narrows the audience; an empty list means the
// whole family.
func (s *Service) SendTemplate(ctx context.Context, templateID, familyID, actingUserID uuid.UUID) (*SendResult, error) {
	tmpl, err := s.deps.Templates.GetTemplate(ctx, templateID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrTemplateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load template: %w", err)
	}
	if tmpl.FamilyID != familyID {
		return nil, ErrTemplateFamilyMismatch
	}
	if !tmpl.IsActive {
		return nil, ErrTemplateInactive
	}

	n := ledger.Notification{
		TemplateID: &tmpl.ID,
		FamilyID:   familyID,
		Title:      tmpl.Title,
		Content:    tmpl.Content,
		Icon:       tmpl.Icon,
		Type:       tmpl.Type,
		Priority:   db.PriorityNormal,
		IsOneClick: true,
	}

	result, err := s.send(ctx, "template", n, actingUserID, tmpl.ReceiverUserIDs)
	if result == nil {
		return nil, err
	}

	if result.Delivered() {
		if err := s.deps.Templates.IncrementUsageCount(context.WithoutCancel(ctx), tmpl.ID); err != nil {
			s.logger.Warn("failed to increment template usage",
				zap.String("template_id", tmpl.ID.String()),
				zap.Error(err),
			)
		}
	}
	return result, err
}

// AdHocNotification is a one-off message composed by a family member.
type AdHocNotification struct {
	FamilyID     uuid.UUID
	ActingUserID uuid.UUID
	Title        string
	Content      string
	Icon         string
	Type         int
	Priority     int
}

// SendAdHoc sends n to receiverIDs, or to the whole family when
// receiverIDs is empty. Type and priority default to user / normal.
//
// Both send operations return a non-nil result together with
// ErrOutcomesNotRecorded when the pushes went out but storing their
// outcomes failed. Those records stay Pending; the retry sweep only picks
// up Failed records, so they are never re-sent.
func (s *Service) SendAdHoc(ctx context.Context, n AdHocNotification, receiverIDs []uuid.UUID) (*SendResult, error) {
	return s.send(ctx, "adhoc", ledger.Notification{
		FamilyID: n.FamilyID,
		Title:    n.Title,
		Content:  n.Content,
		Icon:     n.Icon,
		Type:     n.Type,
		Priority: n.Priority,
	}, n.ActingUserID, receiverIDs)
}

func (s *Service) send(ctx context.Context, source string, n ledger.Notification, senderID uuid.UUID, explicit []uuid.UUID) (*SendResult, error) {
	member, err := s.deps.Members.IsMember(ctx, n.FamilyID, senderID)
	if err != nil {
		return nil, fmt.Errorf("check membership: %w", err)
	}
	if !member {
		return nil, ErrNotFamilyMember
	}

	receivers, err := s.deps.Recipients.Resolve(ctx, n.FamilyID, explicit)
	if err != nil {
		return nil, fmt.Errorf("resolve receivers: %w", err)
	}
	if len(receivers) == 0 {
		return nil, ErrNoReceivers
	}

	records, err := s.deps.Records.CreateRecords(ctx, n, senderID, receivers)
	if err != nil {
		return nil, err
	}
	metrics.RecordRecordsCreated(source, len(records))

	result := &SendResult{Receivers: len(receivers), Records: len(records)}
	if len(records) == 0 {
		s.logger.Info("no registered devices for receivers",
			zap.String("family_id", n.FamilyID.String()),
			zap.Int("receivers", len(receivers)),
		)
		return result, nil
	}

	summary, dispatchErr := s.deps.Dispatcher.Dispatch(ctx, records)
	result.Summary = summary
	if dispatchErr != nil {
		s.logger.Error("failed to store push outcomes",
			zap.String("family_id", n.FamilyID.String()),
			zap.Int("records", len(records)),
			zap.Error(dispatchErr),
		)
		err = fmt.Errorf("%w: %w", ErrOutcomesNotRecorded, dispatchErr)
	}

	s.logger.Info("notification sent",
		zap.String("source", source),
		zap.String("family_id", n.FamilyID.String()),
		zap.Int("receivers", result.Receivers),
		zap.Int("records", result.Records),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
	)
	return result, err
}

// RegisterDevice registers or refreshes a device token for userID.
func (s *Service) RegisterDevice(ctx context.Context, in registry.RegisterInput) (*db.DeviceToken, error) {
	return s.deps.Devices.Register(ctx, in)
}

// MarkRead marks a record read for its receiver.
func (s *Service) MarkRead(ctx context.Context, id, caller uuid.UUID) (bool, error) {
	return s.deps.Records.MarkRead(ctx, id, caller)
}

// BatchMarkRead marks several records read and returns how many are read.
func (s *Service) BatchMarkRead(ctx context.Context, ids []uuid.UUID, caller uuid.UUID) (int, error) {
	return s.deps.Records.BatchMarkRead(ctx, ids, caller)
}

// RetryFailed re-dispatches failed records with fewer than maxRetry attempts.
func (s *Service) RetryFailed(ctx context.Context, maxRetry int) (dispatch.Summary, error) {
	return s.deps.Retrier.RetryFailed(ctx, maxRetry)
}

// TemplateStats returns delivery and read rates for a template.
func (s *Service) TemplateStats(ctx context.Context, templateID uuid.UUID) (*ledger.TemplateStats, error) {
	return s.deps.Records.TemplateStats(ctx, templateID)
}

// Status describes the push pipeline for the status endpoint.
type Status struct {
	APIURL    string                `json:"api_url"`
	BatchSize int                   `json:"batch_size"`
	Timeout   string                `json:"timeout"`
	Workers   int                   `json:"workers"`
	Connected bool                  `json:"connected"`
	Breaker   *circuitbreaker.Stats `json:"breaker,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
}

// ServiceStatus probes the gateway and reports the dispatcher settings.
func (s *Service) ServiceStatus(ctx context.Context) *Status {
	cfg := s.deps.Dispatcher.Config()
	st := &Status{
		APIURL:    s.deps.Gateway.URL(),
		BatchSize: cfg.BatchSize,
		Timeout:   cfg.Timeout.String(),
		Workers:   cfg.Workers,
		Timestamp: s.now(),
	}

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.deps.Gateway.Probe(probeCtx); err != nil {
		s.logger.Warn("push gateway probe failed", zap.Error(err))
	} else {
		st.Connected = true
	}

	if s.deps.Breaker != nil {
		stats := s.deps.Breaker.Stats()
		st.Breaker = &stats
	}
	return st
}
