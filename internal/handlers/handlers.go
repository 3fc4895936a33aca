package handlers

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gabrigalhardo/auto-publisher/internal/media"
	"github.com/gabrigalhardo/auto-publisher/internal/models"
	"github.com/gabrigalhardo/auto-publisher/internal/publisher"
)

// Instagram truncates anything longer server-side; reject early instead.
const maxCaptionLen = 2200

type Handler struct {
	db    *sql.DB
	pub   *publisher.Publisher
	media *media.Resolver
	rt    *realtimeHub
}

func New(db *sql.DB, pub *publisher.Publisher, res *media.Resolver) *Handler {
	h := &Handler{db: db, pub: pub, media: res, rt: newRealtimeHub()}
	if pub != nil {
		pub.OnUpdate = func(userID string, ev publisher.StatusEvent) {
			h.emitEvent(userID, realtimeEvent{
				Type:          "publication.updated",
				PublicationID: ev.PublicationID,
				Status:        ev.Status,
				Error:         ev.Error,
			})
		}
	}
	return h
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type createAccountRequest struct {
	UserID      string `json:"userId"`
	IGUserID    string `json:"igUserId"`
	DisplayName string `json:"displayName"`
	AccessToken string `json:"accessToken"`
}

// CreateAccount stores (or refreshes) a linked Instagram Business account.
// The OAuth exchange itself happens upstream; this endpoint only receives its
// result.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	req.IGUserID = strings.TrimSpace(req.IGUserID)
	if req.UserID == "" || req.IGUserID == "" {
		writeError(w, http.StatusBadRequest, "userId and igUserId are required")
		return
	}
	if strings.TrimSpace(req.AccessToken) == "" {
		writeError(w, http.StatusBadRequest, "accessToken is required")
		return
	}

	var out models.Account
	err := h.db.QueryRowContext(r.Context(), `
		INSERT INTO public.accounts (user_id, ig_user_id, display_name, access_token, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id, ig_user_id)
		DO UPDATE SET display_name = EXCLUDED.display_name,
		              access_token = EXCLUDED.access_token
		RETURNING id, user_id, ig_user_id, display_name, created_at
	`, req.UserID, req.IGUserID, strings.TrimSpace(req.DisplayName), req.AccessToken).
		Scan(&out.ID, &out.UserID, &out.IGUserID, &out.DisplayName, &out.CreatedAt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Printf("[Accounts] linked userId=%s igUserId=%s", out.UserID, out.IGUserID)
	writeJSON(w, http.StatusOK, out)
}

// ListAccountsForUser returns the user's linked accounts. Tokens never leave
// the database through this endpoint.
func (h *Handler) ListAccountsForUser(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(pathVar(r, "userId"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	rows, err := h.db.QueryContext(r.Context(), `
		SELECT id, user_id, ig_user_id, display_name, created_at
		  FROM public.accounts
		 WHERE user_id = $1
		 ORDER BY created_at ASC
	`, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()

	accounts := []models.Account{}
	for rows.Next() {
		var a models.Account
		if err := rows.Scan(&a.ID, &a.UserID, &a.IGUserID, &a.DisplayName, &a.CreatedAt); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, accounts)
}

type createPublicationRequest struct {
	IGUserID     string     `json:"igUserId"`
	Video        string     `json:"video"`
	Caption      string     `json:"caption"`
	ScheduledFor *time.Time `json:"scheduledFor,omitempty"`
}

// CreatePublicationForUser accepts a Reel for publishing. A future
// scheduledFor defers it (the record is written and the scheduled-reels
// worker picks it up later); otherwise an in-flight record is created and the
// publish workflow runs on its own goroutine, since it blocks on the
// platform's processing poll.
func (h *Handler) CreatePublicationForUser(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(pathVar(r, "userId"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	var req createPublicationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	req.IGUserID = strings.TrimSpace(req.IGUserID)
	req.Video = strings.TrimSpace(req.Video)
	if req.IGUserID == "" {
		writeError(w, http.StatusBadRequest, "igUserId is required")
		return
	}
	if req.Video == "" {
		writeError(w, http.StatusBadRequest, "video is required")
		return
	}
	if !strings.HasPrefix(req.Video, media.RefPrefix) &&
		!strings.HasPrefix(req.Video, "http://") && !strings.HasPrefix(req.Video, "https://") {
		writeError(w, http.StatusBadRequest, "video must be an /uploads/ reference or an absolute URL")
		return
	}
	if len(req.Caption) > maxCaptionLen {
		writeError(w, http.StatusBadRequest, "caption is too long")
		return
	}

	// Deferred path is quick (one insert), run it inline.
	if req.ScheduledFor != nil && req.ScheduledFor.After(time.Now()) {
		msg, err := h.pub.PublishReel(r.Context(), publisher.Request{
			UserID:       userID,
			IGUserID:     req.IGUserID,
			Video:        req.Video,
			Caption:      req.Caption,
			ScheduledFor: req.ScheduledFor,
		})
		if err != nil {
			status := http.StatusInternalServerError
			if isKind(err, publisher.KindAccountNotFound) {
				status = http.StatusNotFound
			}
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": models.StatusScheduled, "message": msg})
		return
	}

	id, err := h.pub.Store.InsertPublishing(r.Context(), userID, req.IGUserID, req.Video, req.Caption)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Printf("[Publications] publish_started recordId=%d userId=%s igUserId=%s", id, userID, req.IGUserID)

	go func() {
		// Detached from the request context: the workflow outlives the response.
		_, err := h.pub.PublishReel(context.Background(), publisher.Request{
			UserID:   userID,
			IGUserID: req.IGUserID,
			Video:    req.Video,
			Caption:  req.Caption,
			RecordID: id,
		})
		if err != nil {
			log.Printf("[Publications] publish_failed recordId=%d userId=%s err=%v", id, userID, err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "id": id, "status": models.StatusPublishing})
}

// ListPublicationsForUser returns the user's publish history, optionally
// filtered by ?status=.
func (h *Handler) ListPublicationsForUser(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(pathVar(r, "userId"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	status := strings.TrimSpace(r.URL.Query().Get("status"))
	limit := parseLimit(r, 200, 1, 500)

	pubs, err := h.pub.Store.ListPublications(r.Context(), userID, status, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pubs)
}

// DeletePublicationForUser cancels a scheduled publication. The locally held
// video file is removed too once nothing else references it.
func (h *Handler) DeletePublicationForUser(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(pathVar(r, "userId"))
	id, err := strconv.ParseInt(strings.TrimSpace(pathVar(r, "id")), 10, 64)
	if userID == "" || err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "userId and a numeric id are required")
		return
	}

	video, deleted, err := h.pub.Store.DeleteScheduled(r.Context(), id, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !deleted {
		// Distinguish missing from not-cancellable for a clearer client error.
		var status string
		e2 := h.db.QueryRowContext(r.Context(), `
			SELECT status FROM public.publications WHERE id=$1 AND user_id=$2
		`, id, userID).Scan(&status)
		if e2 == sql.ErrNoRows {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		writeError(w, http.StatusConflict, "not_cancellable")
		return
	}

	if strings.HasPrefix(video, media.RefPrefix) {
		if referenced, rerr := h.pub.Store.VideoReferenced(r.Context(), video); rerr == nil && !referenced {
			if rmErr := h.media.Remove(video); rmErr != nil {
				log.Printf("[Publications] video_cleanup_failed recordId=%d video=%s err=%v", id, truncate(video, 120), rmErr)
			}
		}
	}

	log.Printf("[Publications] cancelled recordId=%d userId=%s", id, userID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// PublishNowPublicationForUser drives a scheduled publication immediately
// instead of waiting for the worker interval.
func (h *Handler) PublishNowPublicationForUser(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(pathVar(r, "userId"))
	id, err := strconv.ParseInt(strings.TrimSpace(pathVar(r, "id")), 10, 64)
	if userID == "" || err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "userId and a numeric id are required")
		return
	}

	var (
		igUserID, video, caption, status string
	)
	err = h.db.QueryRowContext(r.Context(), `
		SELECT ig_user_id, video, caption, status
		  FROM public.publications
		 WHERE id = $1 AND user_id = $2
	`, id, userID).Scan(&igUserID, &video, &caption, &status)
	if err == sql.ErrNoRows {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if status != models.StatusScheduled {
		writeError(w, http.StatusConflict, "not_scheduled")
		return
	}

	log.Printf("[PublishNow] request recordId=%d userId=%s igUserId=%s", id, userID, igUserID)
	go func() {
		_, err := h.pub.PublishReel(context.Background(), publisher.Request{
			UserID:   userID,
			IGUserID: igUserID,
			Video:    video,
			Caption:  caption,
			RecordID: id,
		})
		if err != nil {
			log.Printf("[PublishNow] failed recordId=%d userId=%s err=%v", id, userID, err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "id": id, "status": models.StatusPublishing})
}

func isKind(err error, kind string) bool {
	perr, ok := err.(*publisher.PublishError)
	return ok && perr.Kind == kind
}
