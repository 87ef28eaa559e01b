package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/chatfanout/delivery"
	"github.com/ggoodman/chatfanout/event"
	"github.com/ggoodman/chatfanout/registry"
	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 1 << 20

// handlePostMessage sends a message from a backend service, without a
// WebSocket. It goes through the same pipeline as sendMessage; messages
// default to the system type.
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		s.log.InfoContext(ctx, "http.content_type.unsupported")
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}
	if _, _, err := contenttype.GetAcceptableMediaType(r, jsonMediaTypes); err != nil {
		s.log.InfoContext(ctx, "http.accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
		writeJSONError(w, http.StatusNotAcceptable, "response is only available as application/json")
		return
	}
	authUser, ok := s.authenticate(ctx, w, r)
	if !ok {
		return
	}

	var req PostMessageRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if authUser != "" && req.UserID != authUser {
		writeJSONError(w, http.StatusForbidden, "user_id does not match the authenticated user")
		return
	}
	typ := req.MessageType
	if typ == "" {
		typ = string(event.TypeSystem)
	}

	sent, err := s.pipeline.SendMessage(ctx, delivery.SendRequest{
		ChatID:       chi.URLParam(r, "chatID"),
		SenderID:     req.UserID,
		Participants: req.Participants,
		Content:      req.Data,
		Type:         typ,
	})
	if err != nil {
		s.log.InfoContext(ctx, "http.message.fail", slog.String("err", err.Error()))
		status := errorStatus(err)
		if sent != nil {
			// Delivered at least locally and scheduled: retrying would
			// duplicate the message.
			writeJSON(w, status, map[string]any{
				"error": map[string]any{"code": status, "message": err.Error()},
				"data":  sent,
			})
			return
		}
		writeJSONError(w, status, err.Error())
		return
	}
	s.log.InfoContext(ctx, "http.message.ok", slog.String("message_id", sent.ID))
	writeJSON(w, http.StatusCreated, sent)
}

// errorStatus maps a pipeline error to an HTTP status.
func errorStatus(err error) int {
	var verr *event.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrPrecondition):
		return http.StatusConflict
	case errors.Is(err, delivery.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}
