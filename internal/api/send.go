package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"wabatch/internal/dispatch"
	"wabatch/internal/message"
	"wabatch/internal/session"
	logx "wabatch/pkg/logx"
)

// userHeader carries the authenticated user id set by the fronting auth layer.
const userHeader = "X-User-ID"

type sendBody struct {
	Type            string `json:"type"`
	Number          string `json:"number"`
	NumbersText     string `json:"numbersText"`
	Message         string `json:"message"`
	MessageTitle    string `json:"messageTitle"`
	MessageSubtitle string `json:"messageSubtitle"`
	MessageFooter   string `json:"messageFooter"`
	ButtonText      string `json:"buttonText"`
	ButtonURL       string `json:"buttonUrl"`
	MediaURL        string `json:"mediaUrl"`
	ShopName        string `json:"shopName"`
	ShopID          string `json:"shopId"`
	ViewOnce        *bool  `json:"viewOnce"`
}

func (b sendBody) spec(v message.Variant) message.Spec {
	return message.Spec{
		Variant:  v,
		Text:     b.Message,
		Title:    b.MessageTitle,
		Subtitle: b.MessageSubtitle,
		Footer:   b.MessageFooter,
		Button:   message.Button{Text: b.ButtonText, URL: b.ButtonURL},
		Media:    b.MediaURL,
		ShopName: b.ShopName,
		ShopID:   b.ShopID,
		ViewOnce: b.ViewOnce,
	}
}

// identityFor resolves the sending identity: an explicit number wins,
// otherwise the directory entry of the calling user. It writes the error
// response itself when it returns false.
func (s *Server) identityFor(w http.ResponseWriter, r *http.Request, explicit string) (string, bool) {
	if n := strings.TrimSpace(explicit); n != "" {
		return n, true
	}
	user := strings.TrimSpace(r.Header.Get(userHeader))
	if user == "" || s.dir == nil {
		writeError(w, http.StatusBadRequest, "Phone number is required")
		return "", false
	}
	id, err := s.dir.ActiveIdentityFor(r.Context(), user)
	if err != nil {
		s.log.Error("directory lookup failed", logx.String("user", user), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "Failed to resolve active number")
		return "", false
	}
	if id == "" {
		writeError(w, http.StatusBadRequest, "No active number for user")
		return "", false
	}
	return id, true
}

func (s *Server) handleSend(fixed string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body sendBody
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
		if err := dec.Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON body")
			return
		}
		kind := fixed
		if kind == "" {
			kind = body.Type
		}
		variant, err := message.ParseVariant(kind)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		spec := body.spec(variant)
		if strings.TrimSpace(body.NumbersText) == "" || strings.TrimSpace(body.Message) == "" {
			writeError(w, http.StatusBadRequest, "Missing numbersText or message")
			return
		}
		if err := spec.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, validationMessage(err))
			return
		}

		id, ok := s.identityFor(w, r, body.Number)
		if !ok {
			return
		}
		req := dispatch.Request{Identity: id, NumbersText: body.NumbersText, Spec: spec}

		if truthy(r.URL.Query().Get("async")) {
			jobID, err := s.dispatch.Start(req)
			if err != nil {
				s.writeSendError(w, id, err, dispatch.Result{})
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "Sending started", "job_id": jobID})
			return
		}

		// The batch outlives a dropped client; only the sync timeout bounds it.
		ctx := context.WithoutCancel(r.Context())
		if s.syncTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.syncTimeout)
			defer cancel()
		}
		res, err := s.dispatch.Send(ctx, req)
		if err != nil {
			s.writeSendError(w, id, err, res)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "Sending completed",
			"job_id":  res.JobID,
			"summary": res.Summary,
		})
	}
}

func validationMessage(err error) string {
	switch {
	case errors.Is(err, message.ErrMissingMedia):
		return "Missing mediaUrl for shop message"
	case errors.Is(err, message.ErrMissingText), errors.Is(err, dispatch.ErrNoRecipients):
		return "Missing numbersText or message"
	default:
		return err.Error()
	}
}

func (s *Server) writeSendError(w http.ResponseWriter, id string, err error, res dispatch.Result) {
	var be *dispatch.BatchError
	switch {
	case errors.Is(err, dispatch.ErrNoRecipients), errors.Is(err, message.ErrMissingText),
		errors.Is(err, message.ErrMissingMedia), errors.Is(err, message.ErrUnknownVariant):
		writeError(w, http.StatusBadRequest, validationMessage(err))
	case errors.Is(err, session.ErrInvalidIdentity), errors.Is(err, dispatch.ErrBadIdentity):
		writeError(w, http.StatusBadRequest, "Phone number is invalid")
	case errors.Is(err, session.ErrNotConnected), errors.Is(err, session.ErrNotInitialized):
		writeError(w, http.StatusConflict, "Socket is not connected. Please pair first.")
	case errors.As(err, &be):
		s.log.Warn("batch aborted", logx.Identity(id), logx.Job(res.JobID), logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":   "Sending error",
			"job_id":  res.JobID,
			"summary": be.Summary,
		})
	default:
		s.log.Error("send failed", logx.Identity(id), logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":   "Sending error",
			"job_id":  res.JobID,
			"summary": res.Summary,
		})
	}
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dispatch.Jobs())
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	st, ok := s.dispatch.Status(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	err := s.dispatch.Cancel(r.PathValue("id"))
	switch {
	case errors.Is(err, dispatch.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "Job not found")
	case errors.Is(err, dispatch.ErrJobFinished):
		writeError(w, http.StatusConflict, "Job already finished")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "Cancel requested"})
	}
}
