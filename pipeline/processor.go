package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Nexora-Open-Source/job-feed-importer/monitoring"
	"github.com/Nexora-Open-Source/job-feed-importer/queue"
	"github.com/Nexora-Open-Source/job-feed-importer/store"
	"github.com/Nexora-Open-Source/job-feed-importer/types"
	"github.com/sirupsen/logrus"
)

// noteInserted marks an item message whose job was inserted by an earlier attempt
const noteInserted = "inserted"

// ProcessItem handles one item message: normalize, upsert by external id,
// count the outcome on the run and check for completion. Returned errors are
// retried by the broker.
func (p *Pipeline) ProcessItem(ctx context.Context, msg *queue.Message) (err error) {
	start := time.Now()
	ctx, span := monitoring.CreateSpan(ctx, "item.process")
	defer span.End()

	defer func() {
		if err != nil {
			monitoring.SetSpanError(span, err)
			if !msg.Exhausted() {
				monitoring.RecordItemProcessed(monitoring.OutcomeRetry, time.Since(start).Seconds())
			}
		}
	}()

	var im ItemMessage
	if err := msg.Decode(&im); err != nil {
		return err
	}
	if im.ImportLogID == "" {
		return errors.New("item message without import log id")
	}

	job, err := p.normalizer.Normalize(im.Payload, im.SourceURL)
	if err != nil {
		return err
	}

	monitoring.SetSpanAttributes(span, map[string]interface{}{
		"import_log_id": im.ImportLogID,
		"external_id":   job.ExternalID,
		"source":        job.Source,
		"attempt":       msg.Attempt,
	})

	isNew, err := p.upsert(ctx, job)
	if err != nil {
		return err
	}
	// A retry finds the job this message inserted; it is still new to the run
	if isNew {
		msg.SetNote(noteInserted, job.ExternalID)
	} else if msg.Note(noteInserted) != "" {
		isNew = true
	}

	if err := p.store.IncrementImported(ctx, im.ImportLogID, isNew); err != nil {
		return fmt.Errorf("count imported item: %w", err)
	}

	outcome := monitoring.OutcomeUpdated
	if isNew {
		outcome = monitoring.OutcomeNew
	}
	monitoring.RecordItemProcessed(outcome, time.Since(start).Seconds())

	p.logger.WithFields(logrus.Fields{
		"import_log_id": im.ImportLogID,
		"external_id":   job.ExternalID,
		"outcome":       outcome,
		"attempt":       msg.Attempt,
	}).Debug("Item imported")

	p.completeRun(ctx, im.ImportLogID)
	return nil
}

// upsert inserts job or updates the stored copy when a tracked field differs.
// It reports whether the job was new.
func (p *Pipeline) upsert(ctx context.Context, job *types.Job) (bool, error) {
	existing, err := p.store.FindJobByExternalID(ctx, job.ExternalID)
	if errors.Is(err, store.ErrNotFound) {
		err = p.store.InsertJob(ctx, job)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, store.ErrDuplicateKey) {
			return false, fmt.Errorf("insert job %s: %w", job.ExternalID, err)
		}
		// Lost the insert race to another worker; resolve as an update
		existing, err = p.store.FindJobByExternalID(ctx, job.ExternalID)
	}
	if err != nil {
		return false, fmt.Errorf("find job %s: %w", job.ExternalID, err)
	}

	if !existing.ContentEquals(job) {
		if err := p.store.UpdateJob(ctx, job); err != nil {
			return false, fmt.Errorf("update job %s: %w", job.ExternalID, err)
		}
	}
	return false, nil
}
