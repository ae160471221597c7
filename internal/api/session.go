package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/p-n-ai/pai-study/internal/study"
)

type sessionAnswer struct {
	SubjectID  int64    `json:"subject_id" validate:"gt=0"`
	Correct    *bool    `json:"correct" validate:"required"`
	Answers    []string `json:"answers" validate:"max=50,dive,max=1000"`
	DurationMS int64    `json:"duration_ms" validate:"gte=0"`
}

// sessionResult matches the answer endpoint's body: next_review is null
// once the subject is mastered.
type sessionResult struct {
	SubjectID  int64  `json:"subject_id"`
	Stage      int    `json:"stage"`
	NextReview *int64 `json:"next_review"`
}

type sessionError struct {
	SubjectID int64  `json:"subject_id"`
	Error     string `json:"error"`
}

// handleSession runs a review session: each text frame is one answer and
// gets one result frame back. Answers are stamped with server time.
func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}

	// Sessions outlive the server's request timeouts.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "user_id", userID, "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	slog.Debug("review session opened", "user_id", userID)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				slog.Debug("review session closed", "user_id", userID)
			default:
				slog.Debug("review session ended", "user_id", userID, "error", err)
			}
			return
		}

		var in sessionAnswer
		var out any
		if typ != websocket.MessageText || json.Unmarshal(data, &in) != nil {
			out = sessionError{Error: codeInvalid}
		} else {
			out = h.sessionStep(r, userID, in)
		}
		if err := wsjson.Write(ctx, conn, out); err != nil {
			slog.Debug("review session write failed", "user_id", userID, "error", err)
			return
		}
	}
}

func (h *Handler) sessionStep(r *http.Request, userID int64, in sessionAnswer) any {
	if err := h.validate.Struct(in); err != nil {
		return sessionError{SubjectID: in.SubjectID, Error: codeInvalid}
	}

	at := h.now()
	p, err := h.svc.Answer(r.Context(), userID, in.SubjectID, *in.Correct, at)
	if err != nil {
		_, code := classify(err)
		if code == codeInternal {
			slog.Error("session answer failed", "user_id", userID, "subject_id", in.SubjectID, "error", err)
		}
		return sessionError{SubjectID: in.SubjectID, Error: code}
	}

	h.record(r.Context(), study.AnswerRecord{
		UserID:     userID,
		SubjectID:  in.SubjectID,
		Correct:    *in.Correct,
		Answers:    in.Answers,
		Duration:   time.Duration(in.DurationMS) * time.Millisecond,
		AnsweredAt: at,
	})
	return sessionResult{SubjectID: in.SubjectID, Stage: p.Stage, NextReview: p.NextReview}
}
