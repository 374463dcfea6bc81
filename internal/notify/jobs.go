package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/lalithlochan/familypush/internal/ledger"
	"github.com/lalithlochan/familypush/internal/sqs"
	"github.com/lalithlochan/familypush/internal/worker"
)

// TemplateJob builds the queued form of SendTemplate.
func TemplateJob(templateID, familyID, actingUserID uuid.UUID) sqs.SendJob {
	return sqs.SendJob{
		Kind:         sqs.KindTemplate,
		ActingUserID: actingUserID.String(),
		FamilyID:     familyID.String(),
		TemplateID:   templateID.String(),
	}
}

// AdHocJob builds the queued form of SendAdHoc.
func AdHocJob(n AdHocNotification, receiverIDs []uuid.UUID) sqs.SendJob {
	ids := make([]string, len(receiverIDs))
	for i, id := range receiverIDs {
		ids[i] = id.String()
	}
	return sqs.SendJob{
		Kind:         sqs.KindAdHoc,
		ActingUserID: n.ActingUserID.String(),
		FamilyID:     n.FamilyID.String(),
		Title:        n.Title,
		Content:      n.Content,
		Icon:         n.Icon,
		Type:         n.Type,
		Priority:     n.Priority,
		ReceiverIDs:  ids,
	}
}

// HandleJob runs a queued send. Jobs that can never succeed, or whose
// pushes already went out, are reported with worker.ErrRejectedJob so the
// consumer drops them instead of sending twice.
func (s *Service) HandleJob(ctx context.Context, job sqs.SendJob) error {
	acting, err := uuid.Parse(job.ActingUserID)
	if err != nil {
		return fmt.Errorf("%w: acting user: %v", worker.ErrRejectedJob, err)
	}
	family, err := uuid.Parse(job.FamilyID)
	if err != nil {
		return fmt.Errorf("%w: family: %v", worker.ErrRejectedJob, err)
	}

	switch job.Kind {
	case sqs.KindTemplate:
		templateID, perr := uuid.Parse(job.TemplateID)
		if perr != nil {
			return fmt.Errorf("%w: template: %v", worker.ErrRejectedJob, perr)
		}
		_, err = s.SendTemplate(ctx, templateID, family, acting)

	case sqs.KindAdHoc:
		receivers := make([]uuid.UUID, 0, len(job.ReceiverIDs))
		for _, raw := range job.ReceiverIDs {
			id, perr := uuid.Parse(raw)
			if perr != nil {
				return fmt.Errorf("%w: receiver %q: %v", worker.ErrRejectedJob, raw, perr)
			}
			receivers = append(receivers, id)
		}
		_, err = s.SendAdHoc(ctx, AdHocNotification{
			FamilyID:     family,
			ActingUserID: acting,
			Title:        job.Title,
			Content:      job.Content,
			Icon:         job.Icon,
			Type:         job.Type,
			Priority:     job.Priority,
		}, receivers)

	default:
		return fmt.Errorf("%w: unknown kind %q", worker.ErrRejectedJob, job.Kind)
	}

	if isPermanent(err) {
		return fmt.Errorf("%w: %v", worker.ErrRejectedJob, err)
	}
	return err
}

func isPermanent(err error) bool {
	for _, target := range []error{
		ErrTemplateNotFound,
		ErrTemplateFamilyMismatch,
		ErrTemplateInactive,
		ErrNotFamilyMember,
		ErrNoReceivers,
		ErrOutcomesNotRecorded,
		ledger.ErrInvalidNotification,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
