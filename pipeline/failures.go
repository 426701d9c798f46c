package pipeline

import (
	"context"
	"errors"

	"github.com/Nexora-Open-Source/job-feed-importer/monitoring"
	"github.com/Nexora-Open-Source/job-feed-importer/queue"
	"github.com/Nexora-Open-Source/job-feed-importer/types"
	"github.com/sirupsen/logrus"
)

// unknownExternalID stands in when an item cannot be identified
const unknownExternalID = "-"

// RecordFailure is the item queue's terminal-failure handler. It counts the
// item as failed on its run and then runs the completion check, so a run
// whose last outstanding item fails still finishes.
func (p *Pipeline) RecordFailure(ctx context.Context, msg *queue.Message, cause error) {
	var im ItemMessage
	if err := msg.Decode(&im); err != nil || im.ImportLogID == "" {
		p.logger.WithFields(logrus.Fields{
			"message_id": msg.ID,
			"error":      cause.Error(),
		}).Error("Dropping failure of undecodable item message")
		return
	}

	externalID := unknownExternalID
	if job, err := p.normalizer.Normalize(im.Payload, im.SourceURL); err == nil && job.ExternalID != "" {
		externalID = job.ExternalID
	}

	reason := cause.Error()
	var exhausted *queue.ExhaustedError
	if errors.As(cause, &exhausted) && exhausted.Err != nil {
		reason = exhausted.Err.Error()
	}

	fields := logrus.Fields{
		"import_log_id": im.ImportLogID,
		"external_id":   externalID,
		"message_id":    msg.ID,
		"attempt":       msg.Attempt,
	}

	if err := p.store.RecordFailure(ctx, im.ImportLogID, types.Failure{ExternalID: externalID, Reason: reason}); err != nil {
		p.logger.WithError(err).WithFields(fields).Error("Failed to record item failure")
		return
	}
	monitoring.RecordItemProcessed(monitoring.OutcomeFailed, 0)

	fields["reason"] = reason
	p.logger.WithFields(fields).Warn("Item failed permanently")

	p.completeRun(ctx, im.ImportLogID)
}
