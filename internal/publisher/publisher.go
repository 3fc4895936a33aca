package publisher

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/gabrigalhardo/auto-publisher/internal/instagram"
	"github.com/gabrigalhardo/auto-publisher/internal/models"
)

// ReelsAPI is the slice of the Graph API the workflow drives. The concrete
// implementation is instagram.Client; tests substitute a fake.
type ReelsAPI interface {
	CreateReelContainer(ctx context.Context, igUserID, accessToken, caption, videoURL string) (string, error)
	UploadVideo(ctx context.Context, creationID, accessToken string, video io.Reader, size int64) error
	WaitForProcessing(ctx context.Context, creationID, accessToken string) error
	PublishMedia(ctx context.Context, igUserID, creationID, accessToken string) (string, error)
}

// MediaResolver resolves a stored video reference to local bytes (binary
// strategy) or a public URL (url strategy).
type MediaResolver interface {
	Open(ref string) (io.ReadCloser, int64, error)
	PublicURL(ref string) (string, error)
}

// StatusEvent describes a publication status transition, for realtime
// listeners.
type StatusEvent struct {
	PublicationID int64
	Status        string
	Error         string
}

// Request is one publish invocation. RecordID is non-zero when an existing
// publication record (scheduled or pre-inserted) should be driven to a
// terminal state instead of inserting a fresh one.
type Request struct {
	UserID       string
	IGUserID     string
	Video        string
	Caption      string
	ScheduledFor *time.Time
	RecordID     int64
}

// Publisher orchestrates the Reel publish workflow: account check, deferred
// persistence or the upload/poll/publish sequence, and exactly one terminal
// write per invocation. It performs blocking network I/O and a blocking poll
// loop, so it belongs on a worker goroutine, not a request path.
type Publisher struct {
	Store    *Store
	API      ReelsAPI
	Media    MediaResolver
	Strategy string

	// Now is the clock used for the "scheduled_at in the future" check;
	// tests pin it.
	Now func() time.Time

	// OnUpdate, when set, receives status transitions for records the
	// workflow touches.
	OnUpdate func(userID string, ev StatusEvent)
}

func New(db *sql.DB, api ReelsAPI, media MediaResolver, strategy string) *Publisher {
	if strategy != instagram.StrategyURL {
		strategy = instagram.StrategyBinary
	}
	return &Publisher{
		Store:    NewStore(db),
		API:      api,
		Media:    media,
		Strategy: strategy,
		Now:      time.Now,
	}
}

func (p *Publisher) emit(userID string, ev StatusEvent) {
	if p.OnUpdate != nil {
		p.OnUpdate(userID, ev)
	}
}

// PublishReel runs the whole workflow for one request and returns a summary
// message for the immediate caller. The persisted record, not the return
// value, is the source of truth for later inspection.
//
// Error kinds and the step ordering are documented in errors.go; every
// failure after the deferred-path check ends in exactly one terminal record
// write (update in place when RecordID is set, a single terminal insert
// otherwise).
func (p *Publisher) PublishReel(ctx context.Context, req Request) (string, error) {
	account, err := p.Store.FindAccount(ctx, req.UserID, req.IGUserID)
	if err == sql.ErrNoRows {
		perr := &PublishError{Kind: KindAccountNotFound,
			Detail: fmt.Sprintf("account %s is not linked to this user", req.IGUserID)}
		// A runner-driven record still has to reach a terminal state so it
		// is never rescanned; a direct call just reports.
		if req.RecordID != 0 {
			if claimed, cerr := p.Store.Claim(ctx, req.RecordID); cerr == nil && claimed {
				p.finishFailed(ctx, req, perr)
			}
		}
		log.Printf("[ReelPublish] account_not_found userId=%s igUserId=%s recordId=%d", req.UserID, req.IGUserID, req.RecordID)
		return "Instagram account not found for this user.", perr
	}
	if err != nil {
		return "", err
	}

	// Deferred path: persist and return without touching the platform.
	if req.ScheduledFor != nil && req.ScheduledFor.After(p.Now()) {
		if req.RecordID != 0 {
			ok, err := p.Store.Reschedule(ctx, req.RecordID, req.Video, req.Caption, *req.ScheduledFor)
			if err != nil {
				return "", err
			}
			if !ok {
				return "Publication is no longer reschedulable.", nil
			}
			p.emit(req.UserID, StatusEvent{PublicationID: req.RecordID, Status: models.StatusScheduled})
			log.Printf("[ReelPublish] rescheduled recordId=%d userId=%s for=%s",
				req.RecordID, req.UserID, req.ScheduledFor.UTC().Format(time.RFC3339))
			return "Reel scheduled successfully.", nil
		}
		id, err := p.Store.InsertScheduled(ctx, req.UserID, req.IGUserID, req.Video, req.Caption, *req.ScheduledFor)
		if err != nil {
			return "", err
		}
		p.emit(req.UserID, StatusEvent{PublicationID: id, Status: models.StatusScheduled})
		log.Printf("[ReelPublish] scheduled recordId=%d userId=%s igUserId=%s for=%s",
			id, req.UserID, req.IGUserID, req.ScheduledFor.UTC().Format(time.RFC3339))
		return "Reel scheduled successfully.", nil
	}

	// Immediate path. Claim the existing record first so a cancelled or
	// concurrently handled record is skipped before any external call.
	claimed := false
	if req.RecordID != 0 {
		ok, err := p.Store.Claim(ctx, req.RecordID)
		if err != nil {
			return "", err
		}
		if !ok {
			log.Printf("[ReelPublish] claim_skipped recordId=%d reason=gone_or_terminal", req.RecordID)
			return "Publication was already handled.", nil
		}
		claimed = true
		p.emit(req.UserID, StatusEvent{PublicationID: req.RecordID, Status: models.StatusPublishing})
	}

	mediaID, perr := p.runSteps(ctx, account, req)
	if perr != nil {
		p.persistOutcome(ctx, req, claimed, models.StatusFailed, perr.Detail, "")
		log.Printf("[ReelPublish] failed userId=%s igUserId=%s recordId=%d kind=%s", req.UserID, req.IGUserID, req.RecordID, perr.Kind)
		return "Reel publish failed: " + perr.Detail, perr
	}

	p.persistOutcome(ctx, req, claimed, models.StatusPublished, "", mediaID)
	log.Printf("[ReelPublish] ok userId=%s igUserId=%s recordId=%d mediaId=%s", req.UserID, req.IGUserID, req.RecordID, mediaID)
	return "Reel published successfully.", nil
}

// runSteps executes the three external steps in strict order: container
// creation, upload (binary strategy only), processing wait, publish. The
// container must exist before bytes attach, and processing must finish before
// media_publish can succeed, so a failed step always short-circuits.
func (p *Publisher) runSteps(ctx context.Context, account models.Account, req Request) (string, *PublishError) {
	var (
		videoURL string
		video    io.ReadCloser
		size     int64
	)
	// Resolve the video reference before contacting the platform; a missing
	// file fails locally without burning an API call.
	if p.Strategy == instagram.StrategyURL {
		u, err := p.Media.PublicURL(req.Video)
		if err != nil {
			return "", stepError(KindMediaNotFound, err)
		}
		videoURL = u
	} else {
		f, n, err := p.Media.Open(req.Video)
		if err != nil {
			return "", stepError(KindMediaNotFound, err)
		}
		defer f.Close()
		video, size = f, n
	}

	creationID, err := p.API.CreateReelContainer(ctx, account.IGUserID, account.AccessToken, req.Caption, videoURL)
	if err != nil {
		return "", stepError(KindContainerCreationFailed, err)
	}

	if video != nil {
		if err := p.API.UploadVideo(ctx, creationID, account.AccessToken, video, size); err != nil {
			return "", stepError(KindUploadFailed, err)
		}
	}

	if err := p.API.WaitForProcessing(ctx, creationID, account.AccessToken); err != nil {
		if errors.Is(err, instagram.ErrProcessingTimeout) {
			return "", stepError(KindProcessingTimeout, err)
		}
		return "", stepError(KindRemoteProcessingFailed, err)
	}

	mediaID, err := p.API.PublishMedia(ctx, account.IGUserID, creationID, account.AccessToken)
	if err != nil {
		return "", stepError(KindPublishRejected, err)
	}
	return mediaID, nil
}

// persistOutcome writes the single terminal record for this invocation:
// in-place when a record was claimed, one insert carrying status and error
// together otherwise. Persistence failures are logged, not returned; the
// workflow outcome itself is already decided.
func (p *Publisher) persistOutcome(ctx context.Context, req Request, claimed bool, status, errDetail, mediaID string) {
	var errPtr, mediaPtr *string
	if errDetail != "" {
		errPtr = &errDetail
	}
	if mediaID != "" {
		mediaPtr = &mediaID
	}

	recordID := req.RecordID
	if claimed {
		if err := p.Store.Finish(ctx, req.RecordID, status, errPtr, mediaPtr); err != nil {
			log.Printf("[ReelPublish] persist_failed recordId=%d status=%s err=%v", req.RecordID, status, err)
			return
		}
	} else {
		id, err := p.Store.InsertOutcome(ctx, req.UserID, req.IGUserID, req.Video, req.Caption, status, errPtr, mediaPtr)
		if err != nil {
			log.Printf("[ReelPublish] persist_failed userId=%s status=%s err=%v", req.UserID, status, err)
			return
		}
		recordID = id
	}
	p.emit(req.UserID, StatusEvent{PublicationID: recordID, Status: status, Error: errDetail})
}

func (p *Publisher) finishFailed(ctx context.Context, req Request, perr *PublishError) {
	detail := perr.Detail
	if err := p.Store.Finish(ctx, req.RecordID, models.StatusFailed, &detail, nil); err != nil {
		log.Printf("[ReelPublish] persist_failed recordId=%d status=failed err=%v", req.RecordID, err)
		return
	}
	p.emit(req.UserID, StatusEvent{PublicationID: req.RecordID, Status: models.StatusFailed, Error: detail})
}
