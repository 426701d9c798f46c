package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Nexora-Open-Source/job-feed-importer/feed"
	"github.com/Nexora-Open-Source/job-feed-importer/monitoring"
	"github.com/Nexora-Open-Source/job-feed-importer/queue"
	"github.com/Nexora-Open-Source/job-feed-importer/types"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

// Dispatch handles one run message. Every attempt opens its own ImportLog.
// Fetch and fan-out errors finalize that log as failed and are returned so
// the run message's retry policy applies.
func (p *Pipeline) Dispatch(ctx context.Context, msg *queue.Message) error {
	var rm RunMessage
	if err := msg.Decode(&rm); err != nil {
		return err
	}
	if rm.SourceURL == "" {
		return errors.New("run message without source URL")
	}

	ctx, span := monitoring.CreateSpan(ctx, "run.dispatch")
	defer span.End()

	run := &types.ImportLog{
		ID:        uuid.NewString(),
		StartedAt: p.now().UTC(),
		SourceURL: rm.SourceURL,
		Status:    types.RunStatusRunning,
		Failures:  []types.Failure{},
	}
	if err := p.store.CreateImportLog(ctx, run); err != nil {
		monitoring.SetSpanError(span, err)
		return fmt.Errorf("create import log: %w", err)
	}

	monitoring.SetSpanAttributes(span, map[string]interface{}{
		"import_log_id": run.ID,
		"source_url":    run.SourceURL,
		"attempt":       msg.Attempt,
	})

	logger := p.logger.WithFields(logrus.Fields{
		"import_log_id": run.ID,
		"source_url":    run.SourceURL,
		"message_id":    msg.ID,
		"attempt":       msg.Attempt,
	})
	logger.Info("Import run started")

	if err := p.dispatch(ctx, run, logger); err != nil {
		monitoring.SetSpanError(span, err)
		p.failRun(ctx, run, err, logger)
		return err
	}
	return nil
}

func (p *Pipeline) dispatch(ctx context.Context, run *types.ImportLog, logger *logrus.Entry) error {
	start := time.Now()
	body, err := p.fetcher.FetchBody(ctx, run.SourceURL)
	if err != nil {
		monitoring.RecordFeedFetch("error", time.Since(start).Seconds(), -1)
		return err
	}

	if p.archiver != nil {
		if key, err := p.archiver.Store(ctx, run.SourceURL, run.ID, body, run.StartedAt); err != nil {
			logger.WithError(err).Warn("Failed to archive feed snapshot")
		} else {
			logger.WithField("archive_key", key).Debug("Archived feed snapshot")
		}
	}

	items, err := feed.Parse(run.SourceURL, body)
	if err != nil {
		monitoring.RecordFeedFetch("error", time.Since(start).Seconds(), -1)
		return err
	}
	monitoring.RecordFeedFetch("success", time.Since(start).Seconds(), len(items))

	if err := p.store.SetTotalFetched(ctx, run.ID, len(items)); err != nil {
		return fmt.Errorf("set total fetched: %w", err)
	}

	msgs := make([]queue.Message, 0, len(items))
	for i, item := range items {
		m, err := queue.NewMessage(ItemMessage{
			ImportLogID: run.ID,
			SourceURL:   run.SourceURL,
			Payload:     item,
		}, queue.Options{
			ID:       fmt.Sprintf("%s:%d", run.ID, i),
			Attempts: p.cfg.ItemAttempts,
			Backoff:  p.cfg.ItemBackoff,
		})
		if err != nil {
			return err
		}
		msgs = append(msgs, m)
	}

	enqueued := 0
	if len(msgs) > 0 {
		n, err := p.broker.Enqueue(ctx, queue.ItemQueue, msgs...)
		if err != nil {
			return fmt.Errorf("enqueue items (%d of %d accepted): %w", n, len(msgs), err)
		}
		enqueued = n
	}
	monitoring.AddSpanEvent(trace.SpanFromContext(ctx), "items.enqueued", map[string]interface{}{
		"total_fetched": len(items),
		"enqueued":      enqueued,
	})

	logger.WithField("total_fetched", len(items)).Info("Import run dispatched")

	// Nothing to wait for when the feed was empty
	p.completeRun(ctx, run.ID)
	return nil
}

// failRun finalizes run as failed unless it already left running
func (p *Pipeline) failRun(ctx context.Context, run *types.ImportLog, cause error, logger *logrus.Entry) {
	ctx = context.WithoutCancel(ctx)
	reason := cause.Error()

	ok, err := p.store.MarkFailed(ctx, run.ID, types.Failure{ExternalID: "-", Reason: reason}, p.now())
	if err != nil {
		logger.WithError(err).Error("Failed to mark import run failed")
		return
	}
	if !ok {
		return
	}

	monitoring.RecordRun(string(types.RunStatusFailed))
	logger.WithField("error", reason).Error("Import run failed")
	if p.alerter != nil {
		p.alerter.NotifyRunFailed(run.ID, run.SourceURL, reason)
	}
}
