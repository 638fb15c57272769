package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"promptforge/internal/db"
	"promptforge/internal/metrics"
)

const (
	defaultSendTimeout    = 4 * time.Second
	defaultPollInterval   = 2 * time.Second
	defaultCleanupEvery   = 6 * time.Hour
	defaultRetention      = 7 * 24 * time.Hour
	defaultMaxSendAttempt = 5
)

// Dispatcher drains the notification outbox: claim, build payload from
// the job row, fan out, record the outcome.
type Dispatcher struct {
	store        *db.Store
	senders      []Sender
	events       map[string]struct{}
	rec          *metrics.Recorder
	sendTimeout  time.Duration
	pollEvery    time.Duration
	cleanupEvery time.Duration
	retention    time.Duration
	maxAttempts  int
}

func NewDispatcher(store *db.Store, senders []Sender, events []string, rec *metrics.Recorder) *Dispatcher {
	return &Dispatcher{
		store:        store,
		senders:      senders,
		events:       EventSet(events),
		rec:          rec,
		sendTimeout:  defaultSendTimeout,
		pollEvery:    defaultPollInterval,
		cleanupEvery: defaultCleanupEvery,
		retention:    defaultRetention,
		maxAttempts:  defaultMaxSendAttempt,
	}
}

// Run processes events until the context ends. Events left in processing
// by a previous crash are requeued first.
func (d *Dispatcher) Run(ctx context.Context) {
	if d.store == nil {
		return
	}

	if recovered, err := d.store.RecoverProcessingNotificationEvents(ctx); err != nil {
		slog.Warn("notify: recover processing events failed", "err", err)
	} else if recovered > 0 {
		slog.Info("notify: recovered processing events", "count", recovered)
	}
	d.cleanup(ctx)

	pollTicker := time.NewTicker(d.pollEvery)
	defer pollTicker.Stop()
	cleanupTicker := time.NewTicker(d.cleanupEvery)
	defer cleanupTicker.Stop()

	for {
		processed, err := d.runOnce(ctx)
		if err != nil {
			slog.Warn("notify: dispatch failed", "err", err)
		}
		if processed {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-pollTicker.C:
		case <-cleanupTicker.C:
			d.cleanup(ctx)
		}
	}
}

func (d *Dispatcher) runOnce(ctx context.Context) (bool, error) {
	event, ok, err := d.store.ClaimNextNotificationEvent(ctx, d.maxAttempts)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := d.processEvent(ctx, event); err != nil {
		return true, err
	}
	return true, nil
}

func (d *Dispatcher) processEvent(ctx context.Context, event db.NotificationEvent) error {
	if len(d.senders) == 0 {
		if err := d.store.MarkNotificationEventSkipped(ctx, event.ID, "no notification channels configured"); err != nil {
			return fmt.Errorf("skip event %d: %w", event.ID, err)
		}
		return nil
	}
	if _, ok := d.events[event.EventType]; !ok {
		if err := d.store.MarkNotificationEventSkipped(ctx, event.ID, "event disabled"); err != nil {
			return fmt.Errorf("skip disabled event %d: %w", event.ID, err)
		}
		return nil
	}

	payload, err := d.buildPayload(ctx, event)
	if err != nil {
		markErr := d.store.MarkNotificationEventFailed(ctx, event.ID, err.Error())
		if markErr != nil {
			return fmt.Errorf("build payload failed: %v (mark failed: %w)", err, markErr)
		}
		return fmt.Errorf("build payload for event %d: %w", event.ID, err)
	}

	results := SendAll(ctx, d.senders, payload, d.sendTimeout)
	d.countResults(results)

	if successCount(results) > 0 {
		if err := d.store.MarkNotificationEventSent(ctx, event.ID); err != nil {
			return fmt.Errorf("mark event %d sent: %w", event.ID, err)
		}
		for _, result := range results {
			if !result.Success {
				slog.Warn("notify: channel send failed", "channel", result.Channel,
					"job", db.ShortID(event.JobID), "event", event.EventType, "err", result.Error)
			}
		}
		return nil
	}

	summary := summarizeFailures(results)
	if summary == "" {
		summary = "all channels failed"
	}
	if err := d.store.MarkNotificationEventFailed(ctx, event.ID, summary); err != nil {
		return fmt.Errorf("mark event %d failed: %w", event.ID, err)
	}
	return fmt.Errorf("send event %d failed: %s", event.ID, summary)
}

// buildPayload reads the job's current row; the payload reflects the
// state at delivery time, not enqueue time.
func (d *Dispatcher) buildPayload(ctx context.Context, event db.NotificationEvent) (Payload, error) {
	job, err := d.store.GetJob(ctx, event.JobID)
	if err != nil {
		return Payload{}, fmt.Errorf("load job %s: %w", event.JobID, err)
	}

	return Payload{
		Event:       event.EventType,
		JobID:       job.ID,
		Name:        job.Name,
		Status:      job.Status,
		Improvement: strings.TrimSpace(job.Improvement),
		Error:       strings.TrimSpace(job.ErrorMessage),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (d *Dispatcher) countResults(results []ChannelResult) {
	if d.rec == nil {
		return
	}
	for _, result := range results {
		outcome := "sent"
		if !result.Success {
			outcome = "failed"
		}
		d.rec.NotificationSent(result.Channel, outcome)
	}
}

func (d *Dispatcher) cleanup(ctx context.Context) {
	skipped, err := d.store.SkipExhaustedNotificationEvents(ctx, d.maxAttempts)
	if err != nil {
		slog.Warn("notify: skip exhausted events failed", "err", err)
	} else if skipped > 0 {
		slog.Info("notify: skipped exhausted events", "count", skipped)
	}

	if d.retention <= 0 {
		return
	}
	deleted, err := d.store.DeleteOldNotificationEvents(ctx, d.retention)
	if err != nil {
		slog.Warn("notify: cleanup failed", "err", err)
	} else if deleted > 0 {
		slog.Debug("notify: cleaned old events", "count", deleted)
	}
}
