package publisher

import (
	"context"
	"database/sql"
	"time"

	"github.com/gabrigalhardo/auto-publisher/internal/models"
)

// Store is the persistence layer for accounts and publication records. It is
// plain SQL over database/sql; terminal statuses are only ever written with a
// current-status guard so a stale worker can never clobber a finished record.
type Store struct {
	DB *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{DB: db}
}

// FindAccount loads the linked account for (userID, igUserID). Returns
// sql.ErrNoRows when the account is not linked or belongs to someone else.
func (s *Store) FindAccount(ctx context.Context, userID, igUserID string) (models.Account, error) {
	var a models.Account
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, user_id, ig_user_id, display_name, access_token, created_at
		  FROM public.accounts
		 WHERE user_id = $1 AND ig_user_id = $2
	`, userID, igUserID).Scan(&a.ID, &a.UserID, &a.IGUserID, &a.DisplayName, &a.AccessToken, &a.CreatedAt)
	return a, err
}

// InsertScheduled creates a deferred publication record and returns its id.
func (s *Store) InsertScheduled(ctx context.Context, userID, igUserID, video, caption string, at time.Time) (int64, error) {
	var id int64
	err := s.DB.QueryRowContext(ctx, `
		INSERT INTO public.publications
		  (user_id, ig_user_id, video, caption, scheduled_for, status, created_at, updated_at)
		VALUES
		  ($1, $2, $3, $4, $5, 'scheduled', NOW(), NOW())
		RETURNING id
	`, userID, igUserID, video, caption, at).Scan(&id)
	return id, err
}

// Reschedule updates an existing non-terminal record in place with a new
// deferred time (and possibly a new video/caption). Returns false when the
// record is gone or already terminal.
func (s *Store) Reschedule(ctx context.Context, id int64, video, caption string, at time.Time) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE public.publications
		   SET video = $2,
		       caption = $3,
		       scheduled_for = $4,
		       status = 'scheduled',
		       error = NULL,
		       updated_at = NOW()
		 WHERE id = $1
		   AND status IN ('scheduled', 'publishing')
	`, id, video, caption, at)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// InsertPublishing creates an in-flight record for an immediate publish that
// runs off the request goroutine, so callers can watch its id right away.
func (s *Store) InsertPublishing(ctx context.Context, userID, igUserID, video, caption string) (int64, error) {
	var id int64
	err := s.DB.QueryRowContext(ctx, `
		INSERT INTO public.publications
		  (user_id, ig_user_id, video, caption, scheduled_for, status, created_at, updated_at)
		VALUES
		  ($1, $2, $3, $4, NULL, 'publishing', NOW(), NOW())
		RETURNING id
	`, userID, igUserID, video, caption).Scan(&id)
	return id, err
}

// Claim moves a record into the publishing state so this invocation owns it.
// Returns false when the record was deleted, already claimed by a concurrent
// runner, or already terminal; callers treat that as already handled.
func (s *Store) Claim(ctx context.Context, id int64) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE public.publications
		   SET status = 'publishing',
		       error = NULL,
		       updated_at = NOW()
		 WHERE id = $1
		   AND status IN ('scheduled', 'publishing')
	`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Finish writes the terminal outcome of a claimed record. The status guard
// keeps a late writer from overwriting a terminal status with a stale one.
func (s *Store) Finish(ctx context.Context, id int64, status string, errDetail, mediaID *string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE public.publications
		   SET status = $2,
		       error = $3,
		       media_id = $4,
		       updated_at = NOW()
		 WHERE id = $1
		   AND status = 'publishing'
	`, id, status, errDetail, mediaID)
	return err
}

// InsertOutcome persists an immediate publish that had no prior record. The
// terminal status and error land in one insert; the generated id comes back
// via RETURNING, so there is no insert-then-update window.
func (s *Store) InsertOutcome(ctx context.Context, userID, igUserID, video, caption, status string, errDetail, mediaID *string) (int64, error) {
	var id int64
	err := s.DB.QueryRowContext(ctx, `
		INSERT INTO public.publications
		  (user_id, ig_user_id, video, caption, scheduled_for, status, error, media_id, created_at, updated_at)
		VALUES
		  ($1, $2, $3, $4, NULL, $5, $6, $7, NOW(), NOW())
		RETURNING id
	`, userID, igUserID, video, caption, status, errDetail, mediaID).Scan(&id)
	return id, err
}

// dueRecord is the narrow projection the worker scans for; the full row is
// only loaded after a successful claim.
type dueRecord struct {
	ID           int64
	UserID       string
	IGUserID     string
	Video        string
	Caption      string
	ScheduledFor time.Time
}

// listDueScheduled returns scheduled records whose time has come, oldest
// first.
func (s *Store) listDueScheduled(ctx context.Context, limit int) ([]dueRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, user_id, ig_user_id, video, caption, scheduled_for
		  FROM public.publications
		 WHERE status = 'scheduled'
		   AND scheduled_for IS NOT NULL
		   AND scheduled_for <= NOW()
		 ORDER BY scheduled_for ASC
		 LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	due := make([]dueRecord, 0)
	for rows.Next() {
		var d dueRecord
		if err := rows.Scan(&d.ID, &d.UserID, &d.IGUserID, &d.Video, &d.Caption, &d.ScheduledFor); err != nil {
			return nil, err
		}
		due = append(due, d)
	}
	return due, rows.Err()
}

// ListPublications returns a user's publish history, newest first, optionally
// filtered by status.
func (s *Store) ListPublications(ctx context.Context, userID, status string, limit int) ([]models.Publication, error) {
	if limit <= 0 {
		limit = 200
	}
	var (
		rows *sql.Rows
		err  error
	)
	if status != "" {
		rows, err = s.DB.QueryContext(ctx, `
			SELECT id, user_id, ig_user_id, video, caption, scheduled_for, status, error, media_id, created_at, updated_at
			  FROM public.publications
			 WHERE user_id = $1 AND status = $2
			 ORDER BY created_at DESC
			 LIMIT $3
		`, userID, status, limit)
	} else {
		rows, err = s.DB.QueryContext(ctx, `
			SELECT id, user_id, ig_user_id, video, caption, scheduled_for, status, error, media_id, created_at, updated_at
			  FROM public.publications
			 WHERE user_id = $1
			 ORDER BY created_at DESC
			 LIMIT $2
		`, userID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.Publication{}
	for rows.Next() {
		var p models.Publication
		if err := rows.Scan(&p.ID, &p.UserID, &p.IGUserID, &p.Video, &p.Caption,
			&p.ScheduledFor, &p.Status, &p.Error, &p.MediaID, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteScheduled removes a user's scheduled record before it becomes due and
// returns its video reference so the caller can clean up local bytes.
// Records that are in flight or terminal are not deletable here.
func (s *Store) DeleteScheduled(ctx context.Context, id int64, userID string) (string, bool, error) {
	var video string
	err := s.DB.QueryRowContext(ctx, `
		DELETE FROM public.publications
		 WHERE id = $1 AND user_id = $2 AND status = 'scheduled'
		RETURNING video
	`, id, userID).Scan(&video)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return video, true, nil
}

// VideoReferenced reports whether any publication still points at the given
// video reference.
func (s *Store) VideoReferenced(ctx context.Context, video string) (bool, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM public.publications WHERE video = $1
	`, video).Scan(&n)
	return n > 0, err
}
