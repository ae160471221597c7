// Package api exposes the study service over HTTP and a WebSocket review
// session. User identity comes from the path.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/p-n-ai/pai-study/internal/content"
	"github.com/p-n-ai/pai-study/internal/study"
)

const maxBodyBytes = 1 << 20

// Service is the part of *study.Service the API needs.
type Service interface {
	content.Target
	Answer(ctx context.Context, userID, subjectID int64, correct bool, at time.Time) (study.Progress, error)
	RecordAnswer(ctx context.Context, rec study.AnswerRecord) (study.AnswerRecord, error)
	ReviewsAndLessons(ctx context.Context, userID int64) (study.Schedule, error)
	JoinTheme(ctx context.Context, userID, themeID int64) error
	LeaveTheme(ctx context.Context, userID, themeID int64) error
	Stats(ctx context.Context, userID int64) (study.AnswerStats, error)
	Unlock(ctx context.Context, userID int64) (int, error)
}

// Config holds dependencies for the handler.
type Config struct {
	Service        Service
	AdminTokenHash string           // bcrypt; empty disables /v1/admin
	Now            func() time.Time // time.Now when nil
}

// Handler serves the study API.
type Handler struct {
	svc       Service
	validate  *validator.Validate
	adminHash []byte
	now       func() time.Time
}

// NewHandler creates a handler.
func NewHandler(cfg Config) *Handler {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Handler{
		svc:       cfg.Service,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		adminHash: []byte(cfg.AdminTokenHash),
		now:       now,
	}
}

// Register adds the API routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/users/{userID}/subjects/{subjectID}/answers", h.handleAnswer)
	mux.HandleFunc("GET /v1/users/{userID}/schedule", h.handleSchedule)
	mux.HandleFunc("PUT /v1/users/{userID}/themes/{themeID}", h.handleJoinTheme)
	mux.HandleFunc("DELETE /v1/users/{userID}/themes/{themeID}", h.handleLeaveTheme)
	mux.HandleFunc("GET /v1/users/{userID}/stats", h.handleStats)
	mux.HandleFunc("GET /v1/users/{userID}/session", h.handleSession)
	mux.Handle("POST /v1/admin/users/{userID}/unlock", h.requireAdmin(http.HandlerFunc(h.handleUnlock)))
	mux.Handle("POST /v1/admin/catalog", h.requireAdmin(http.HandlerFunc(h.handleImport)))
}

type answerRequest struct {
	Correct    *bool      `json:"correct" validate:"required"`
	Answers    []string   `json:"answers" validate:"max=50,dive,max=1000"`
	DurationMS int64      `json:"duration_ms" validate:"gte=0"`
	AnsweredAt *time.Time `json:"answered_at"`
}

type progressResponse struct {
	SubjectID  int64  `json:"subject_id"`
	Stage      int    `json:"stage"`
	NextReview *int64 `json:"next_review"`
}

func (h *Handler) handleAnswer(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	subjectID, ok := pathID(w, r, "subjectID")
	if !ok {
		return
	}

	var req answerRequest
	if !h.decode(w, r, &req) {
		return
	}

	at := h.answeredAt(req.AnsweredAt)
	p, err := h.svc.Answer(r.Context(), userID, subjectID, *req.Correct, at)
	if err != nil {
		writeError(w, err)
		return
	}

	h.record(r.Context(), study.AnswerRecord{
		UserID:     userID,
		SubjectID:  subjectID,
		Correct:    *req.Correct,
		Answers:    req.Answers,
		Duration:   time.Duration(req.DurationMS) * time.Millisecond,
		AnsweredAt: at,
	})

	writeJSON(w, http.StatusOK, progressResponse{SubjectID: subjectID, Stage: p.Stage, NextReview: p.NextReview})
}

// answeredAt takes the client's timestamp but never one from the future,
// which would let a client skip its review wait.
func (h *Handler) answeredAt(client *time.Time) time.Time {
	now := h.now()
	if client == nil || client.After(now) {
		return now
	}
	return *client
}

// record appends to the answer log. The answer is already applied, so a
// failure here is logged and not surfaced.
func (h *Handler) record(ctx context.Context, rec study.AnswerRecord) {
	if _, err := h.svc.RecordAnswer(ctx, rec); err != nil {
		slog.Warn("failed to record answer",
			"user_id", rec.UserID,
			"subject_id", rec.SubjectID,
			"error", err,
		)
	}
}

func (h *Handler) handleSchedule(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	sched, err := h.svc.ReviewsAndLessons(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"themes": sched})
}

func (h *Handler) handleJoinTheme(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	themeID, ok := pathID(w, r, "themeID")
	if !ok {
		return
	}
	if err := h.svc.JoinTheme(r.Context(), userID, themeID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleLeaveTheme(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	themeID, ok := pathID(w, r, "themeID")
	if !ok {
		return
	}
	if err := h.svc.LeaveTheme(r.Context(), userID, themeID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	st, err := h.svc.Stats(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) handleUnlock(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	n, err := h.svc.Unlock(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unlocked": n})
}

func (h *Handler) handleImport(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeMessage(w, http.StatusRequestEntityTooLarge, "catalog too large")
		return
	}
	c, err := content.ParseYAML(data)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := content.Import(r.Context(), h.svc, c)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// decode reads a JSON body into v and validates it, writing a 400 on
// failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeMessage(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON body: %v", err))
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		writeMessage(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	if fe.Param() != "" {
		return fmt.Sprintf("field %s failed %s=%s", fe.Field(), fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("field %s failed %s", fe.Field(), fe.Tag())
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		writeMessage(w, http.StatusBadRequest, fmt.Sprintf("%s must be a positive integer", name))
		return 0, false
	}
	return id, true
}
