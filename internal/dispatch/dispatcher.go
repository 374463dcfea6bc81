// Package dispatch sends pending push records to the gateway in bounded
// parallel batches and applies each ticket to its record and token.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/lalithlochan/familypush/internal/circuitbreaker"
	"github.com/lalithlochan/familypush/internal/db"
	"github.com/lalithlochan/familypush/internal/expo"
	"github.com/lalithlochan/familypush/internal/metrics"
	"github.com/lalithlochan/familypush/internal/registry"
)

const (
	DefaultBatchSize = 100
	DefaultTimeout   = 30 * time.Second
	DefaultWorkers   = 4
	MaxWorkers       = 8
)

// Gateway sends one batch and returns one ticket per message, in order.
type Gateway interface {
	Send(ctx context.Context, msgs []expo.Message) ([]expo.Ticket, error)
}

// RecordUpdater persists record outcomes. *ledger.Ledger implements it.
type RecordUpdater interface {
	UpdateStatus(ctx context.Context, id uuid.UUID, upd db.StatusUpdate) error
}

// TokenHealth receives device health signals. *registry.Registry
// implements it.
type TokenHealth interface {
	RecordSuccess(ctx context.Context, token string) (bool, error)
	RecordFailure(ctx context.Context, token string) (bool, error)
	Disable(ctx context.Context, token, reason string) (bool, error)
}

// Config tunes batching.
type Config struct {
	BatchSize int
	Timeout   time.Duration
	Workers   int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 || c.BatchSize > DefaultBatchSize {
		c.BatchSize = DefaultBatchSize
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.Workers > MaxWorkers {
		c.Workers = MaxWorkers
	}
	return c
}

// Summary counts the outcomes of one Dispatch call. Rejected records
// failed the local token check and are included in Failed.
type Summary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Rejected  int `json:"rejected"`
}

// Delivered reports whether at least one record reached the gateway
// successfully.
func (s Summary) Delivered() bool {
	return s.Succeeded > 0
}

func (s *Summary) add(o Summary) {
	s.Total += o.Total
	s.Succeeded += o.Succeeded
	s.Failed += o.Failed
	s.Rejected += o.Rejected
}

// Dispatcher fans records out to the gateway.
type Dispatcher struct {
	gateway Gateway
	records RecordUpdater
	tokens  TokenHealth
	cfg     Config
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(gateway Gateway, records RecordUpdater, tokens TokenHealth, cfg Config, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		gateway: gateway,
		records: records,
		tokens:  tokens,
		cfg:     cfg.withDefaults(),
		logger:  logger,
	}
}

// Config returns the effective settings.
func (d *Dispatcher) Config() Config {
	return d.cfg
}

// Dispatch sends records and writes every outcome back. Per-message
// failures only show up in the Summary; the error is non-nil only when
// outcomes could not be stored.
func (d *Dispatcher) Dispatch(ctx context.Context, records []*db.PushRecord) (Summary, error) {
	var (
		mu      sync.Mutex
		summary Summary
		errs    *multierror.Error
	)
	collect := func(s Summary, err error) {
		mu.Lock()
		defer mu.Unlock()
		summary.add(s)
		if err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	// Outcomes are written even if the caller goes away mid-dispatch, so no
	// record is left Pending.
	storeCtx := context.WithoutCancel(ctx)

	valid := make([]*db.PushRecord, 0, len(records))
	for _, rec := range records {
		if expo.IsValidToken(rec.DeviceToken) {
			valid = append(valid, rec)
			continue
		}
		d.logger.Warn("invalid device token format, skipping send",
			zap.String("record_id", rec.ID.String()),
			zap.String("token", expo.MaskToken(rec.DeviceToken)),
		)
		metrics.RecordPushOutcome(expo.OutcomeFailed.String(), string(expo.ErrInvalidTokenFormat))
		err := d.fail(storeCtx, rec, expo.ErrInvalidTokenFormat, "invalid token format", nil)
		collect(Summary{Total: 1, Failed: 1, Rejected: 1}, err)
	}

	sem := semaphore.NewWeighted(int64(d.cfg.Workers))
	var wg sync.WaitGroup

	for _, batch := range chunk(valid, d.cfg.BatchSize) {
		if err := sem.Acquire(ctx, 1); err != nil {
			collect(d.failBatch(storeCtx, batch, expo.ErrTransport, err))
			continue
		}

		wg.Add(1)
		go func(batch []*db.PushRecord) {
			defer wg.Done()
			defer sem.Release(1)
			collect(d.sendBatch(ctx, storeCtx, batch))
		}(batch)
	}
	wg.Wait()

	d.logger.Info("dispatch finished",
		zap.Int("total", summary.Total),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("rejected", summary.Rejected),
	)

	return summary, errs.ErrorOrNil()
}

func (d *Dispatcher) sendBatch(ctx, storeCtx context.Context, batch []*db.PushRecord) (Summary, error) {
	msgs := make([]expo.Message, len(batch))
	for i, rec := range batch {
		msgs[i] = MessageFor(rec)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	start := time.Now()
	tickets, err := d.gateway.Send(callCtx, msgs)
	if err != nil {
		metrics.ObserveBatch("error", time.Since(start))
		code := expo.ErrTransport
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			code = expo.ErrCircuitOpen
		}
		d.logger.Error("push batch failed",
			zap.Int("messages", len(batch)),
			zap.String("code", string(code)),
			zap.Error(err),
		)
		return d.failBatch(storeCtx, batch, code, err)
	}
	metrics.ObserveBatch("ok", time.Since(start))

	if len(tickets) != len(batch) {
		d.logger.Warn("ticket count does not match batch size",
			zap.Int("messages", len(batch)),
			zap.Int("tickets", len(tickets)),
		)
	}

	var s Summary
	var errs *multierror.Error
	for i, rec := range batch {
		s.Total++
		if i >= len(tickets) {
			s.Failed++
			errs = multierror.Append(errs, d.fail(storeCtx, rec, expo.ErrMissingTicket, "no ticket returned for message", nil))
			continue
		}

		delivered, err := d.apply(storeCtx, rec, tickets[i])
		if delivered {
			s.Succeeded++
		} else {
			s.Failed++
		}
		if err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return s, errs.ErrorOrNil()
}

// apply writes one ticket onto its record and token.
func (d *Dispatcher) apply(ctx context.Context, rec *db.PushRecord, t expo.Ticket) (bool, error) {
	outcome := expo.Classify(t)
	code := t.Code()
	metrics.RecordPushOutcome(outcome.String(), string(code))

	if outcome == expo.OutcomeDelivered {
		var errs *multierror.Error
		if err := d.records.UpdateStatus(ctx, rec.ID, db.StatusUpdate{Status: db.PushSuccess, Response: t.Raw()}); err != nil {
			errs = multierror.Append(errs, err)
		}
		if _, err := d.tokens.RecordSuccess(ctx, rec.DeviceToken); err != nil {
			errs = multierror.Append(errs, err)
		}
		return true, errs.ErrorOrNil()
	}

	msg := t.Message
	if msg == "" {
		msg = string(code)
	}
	var errs *multierror.Error
	errs = multierror.Append(errs, d.fail(ctx, rec, code, msg, t.Raw()))

	var err error
	switch outcome {
	case expo.OutcomeInvalidToken:
		_, err = d.tokens.Disable(ctx, rec.DeviceToken, registry.InvalidReason(string(code)))
	case expo.OutcomeFailed:
		_, err = d.tokens.RecordFailure(ctx, rec.DeviceToken)
	}
	if err != nil {
		errs = multierror.Append(errs, err)
	}

	d.logger.Debug("push ticket error",
		zap.String("record_id", rec.ID.String()),
		zap.String("token", expo.MaskToken(rec.DeviceToken)),
		zap.String("code", string(code)),
		zap.String("outcome", outcome.String()),
	)
	return false, errs.ErrorOrNil()
}

// failBatch marks every record of a batch Failed without touching token health.
func (d *Dispatcher) failBatch(ctx context.Context, batch []*db.PushRecord, code expo.ErrorCode, cause error) (Summary, error) {
	var errs *multierror.Error
	for _, rec := range batch {
		metrics.RecordPushOutcome(expo.OutcomeFailed.String(), string(code))
		errs = multierror.Append(errs, d.fail(ctx, rec, code, cause.Error(), nil))
	}
	return Summary{Total: len(batch), Failed: len(batch)}, errs.ErrorOrNil()
}

func (d *Dispatcher) fail(ctx context.Context, rec *db.PushRecord, code expo.ErrorCode, msg string, raw []byte) error {
	c := string(code)
	return d.records.UpdateStatus(ctx, rec.ID, db.StatusUpdate{
		Status:       db.PushFailed,
		Response:     raw,
		ErrorCode:    &c,
		ErrorMessage: &msg,
	})
}

func chunk(records []*db.PushRecord, size int) [][]*db.PushRecord {
	var out [][]*db.PushRecord
	for start := 0; start < len(records); start += size {
		end := start + size
		if end > len(records) {
			end = len(records)
		}
		out = append(out, records[start:end])
	}
	return out
}
