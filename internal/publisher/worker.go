package publisher

import (
	"context"
	"database/sql"
	"log"
	"runtime/debug"
	"time"

	"github.com/gabrigalhardo/auto-publisher/internal/models"
)

// RunDueOnce scans for scheduled publications whose time has come and drives
// each through the publish workflow. Records are handled independently: a
// failing (or even panicking) record never aborts the sweep, and a record
// that vanished between the scan and its claim is skipped silently. Returns
// the number of records attempted.
func (p *Publisher) RunDueOnce(ctx context.Context, limit int) (int, error) {
	if p == nil || p.Store == nil || p.Store.DB == nil {
		return 0, nil
	}
	if limit <= 0 {
		limit = 25
	}

	due, err := p.Store.listDueScheduled(ctx, limit)
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	attempted := 0
	for _, d := range due {
		attempted++
		log.Printf("[ScheduledReels] due recordId=%d userId=%s igUserId=%s scheduledFor=%s",
			d.ID, d.UserID, d.IGUserID, d.ScheduledFor.UTC().Format(time.RFC3339))
		p.publishDue(ctx, d)
	}
	return attempted, nil
}

// publishDue re-enters the workflow for one due record, converting any panic
// into a persisted failure so the record still reaches a terminal state.
func (p *Publisher) publishDue(ctx context.Context, d dueRecord) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[ScheduledReels] panic recordId=%d err=%v\n%s", d.ID, rec, string(debug.Stack()))
			detail := "internal error while publishing"
			_ = p.Store.Finish(ctx, d.ID, models.StatusFailed, &detail, nil)
		}
	}()

	// scheduled_at omitted: the runner always takes the immediate path.
	msg, err := p.PublishReel(ctx, Request{
		UserID:   d.UserID,
		IGUserID: d.IGUserID,
		Video:    d.Video,
		Caption:  d.Caption,
		RecordID: d.ID,
	})
	if err != nil {
		log.Printf("[ScheduledReels] record_failed recordId=%d userId=%s err=%v", d.ID, d.UserID, err)
		return
	}
	log.Printf("[ScheduledReels] record_done recordId=%d userId=%s msg=%q", d.ID, d.UserID, msg)
}

// StartScheduledReelsWorker runs a periodic sweep that publishes due
// scheduled Reels. Wire it from main behind an env gate; each sweep runs to
// completion before the next tick is considered.
func (p *Publisher) StartScheduledReelsWorker(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	log.Printf("[ScheduledReels] worker started interval=%s strategy=%s", interval, p.Strategy)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sweepCount := 0
	run := func() {
		sweepCount++
		n, err := p.RunDueOnce(ctx, 25)
		if err != nil {
			log.Printf("[ScheduledReels] sweep error err=%v", err)
			return
		}
		if n > 0 {
			log.Printf("[ScheduledReels] attempted=%d", n)
			return
		}
		// Every ~10 sweeps, log a summary so "nothing happening" is diagnosable.
		if sweepCount%10 == 0 {
			due, next := p.sweepStats(ctx)
			nextStr := ""
			if next.Valid {
				nextStr = next.Time.UTC().Format(time.RFC3339)
			}
			log.Printf("[ScheduledReels] sweep ok attempted=0 due=%d next=%s", due, nextStr)
		}
	}

	run()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[ScheduledReels] worker stopped err=%v", ctx.Err())
			return
		case <-ticker.C:
			run()
		}
	}
}

func (p *Publisher) sweepStats(ctx context.Context) (due int, next sql.NullTime) {
	_ = p.Store.DB.QueryRowContext(ctx, `
		SELECT COUNT(*)
		  FROM public.publications
		 WHERE status = 'scheduled'
		   AND scheduled_for IS NOT NULL
		   AND scheduled_for <= NOW()
	`).Scan(&due)
	_ = p.Store.DB.QueryRowContext(ctx, `
		SELECT MIN(scheduled_for)
		  FROM public.publications
		 WHERE status = 'scheduled'
		   AND scheduled_for > NOW()
	`).Scan(&next)
	return due, next
}
