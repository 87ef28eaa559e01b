package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ggoodman/chatfanout/delivery"
	"github.com/ggoodman/chatfanout/event"
	"github.com/ggoodman/chatfanout/internal/logctx"
	"github.com/ggoodman/chatfanout/registry"
)

// result is what a handler reports back on the acknowledgement.
type result struct {
	message string
	data    any
}

type handlerFunc func(ctx context.Context, c *conn, data json.RawMessage) (result, error)

func (s *Server) routes() map[string]handlerFunc {
	return map[string]handlerFunc{
		EventRegister:      s.handleRegister,
		EventJoinChat:      s.handleJoinChat,
		EventLeaveChat:     s.handleLeaveChat,
		EventSendMessage:   s.handleSendMessage,
		EventEditMessage:   s.handleEditMessage,
		EventDeleteMessage: s.handleDeleteMessage,
		EventStartTyping:   s.handleTyping(true),
		EventStopTyping:    s.handleTyping(false),
		EventMarkAsRead:    s.handleMarkAsRead,
		EventGetUserStatus: s.handleGetUserStatus,
	}
}

// dispatch runs one client frame and acknowledges it. Successful events are
// acknowledged only when the client asked for it; failures always are.
func (s *Server) dispatch(ctx context.Context, c *conn, raw []byte) {
	f, err := parseClientFrame(raw)
	if err != nil {
		s.log.InfoContext(ctx, "ws.frame.invalid", slog.String("err", err.Error()))
		s.ack(ctx, c, nil, result{}, err)
		return
	}
	ctx = logctx.WithEventData(ctx, &logctx.EventData{Name: f.Event, Ack: string(f.Ack)})

	h, ok := s.handlers[f.Event]
	if !ok {
		s.log.InfoContext(ctx, "ws.event.unknown")
		s.ack(ctx, c, f.Ack, result{}, fmt.Errorf("%w: %q", ErrUnknownEvent, f.Event))
		return
	}
	res, err := h(ctx, c, f.Data)
	if err != nil {
		s.log.InfoContext(ctx, "ws.event.fail", slog.String("err", err.Error()))
		s.ack(ctx, c, f.Ack, res, err)
		return
	}
	s.log.DebugContext(ctx, "ws.event.ok")
	if len(f.Ack) > 0 {
		s.ack(ctx, c, f.Ack, res, nil)
	}
}

func (s *Server) ack(ctx context.Context, c *conn, id json.RawMessage, res result, err error) {
	body := AckBody{
		Success:   err == nil,
		Message:   res.message,
		Data:      res.data,
		Timestamp: s.now().UTC(),
		ServerID:  s.reg.InstanceID(),
	}
	if err != nil {
		// Data survives only where the operation took effect despite the
		// error, so the client can tell a retry would duplicate it.
		body.Message = err.Error()
	}
	b, encErr := encodeAck(id, body)
	if encErr != nil {
		s.log.ErrorContext(ctx, "ws.ack.encode.fail", slog.String("err", encErr.Error()))
		return
	}
	_ = c.enqueue(ctx, b)
}

// actor returns the identity bound to c after checking it matches the user
// named in the payload.
func (s *Server) actor(op string, c *conn, userID string) error {
	if userID == "" {
		return event.Required("user_id")
	}
	bound, ok := s.reg.UserID(c.id)
	if !ok {
		return notRegistered(op)
	}
	if bound != userID {
		return identityMismatch(op)
	}
	return nil
}

func (s *Server) handleRegister(ctx context.Context, c *conn, data json.RawMessage) (result, error) {
	req, err := decodeData[RegisterRequest](data)
	if err != nil {
		return result{}, err
	}
	if c.authUser != "" && req.UserID != "" && req.UserID != c.authUser {
		return result{}, &registry.PreconditionError{Op: "register", Reason: "user_id does not match the authenticated user"}
	}
	if err := s.reg.Register(ctx, c.id, req.UserID); err != nil {
		return result{}, err
	}
	return result{
		message: "User registered successfully.",
		data: map[string]string{
			"connection_id": c.id,
			"user_id":       req.UserID,
			"server_id":     s.reg.InstanceID(),
		},
	}, nil
}

func (s *Server) handleJoinChat(ctx context.Context, c *conn, data json.RawMessage) (result, error) {
	req, err := decodeData[ChatRequest](data)
	if err != nil {
		return result{}, err
	}
	if err := s.reg.Join(ctx, c.id, req.ChatID); err != nil {
		return result{}, err
	}
	uid, _ := s.reg.UserID(c.id)
	return result{
		message: "Chat joined successfully.",
		data: map[string]string{
			"room_name": event.RoomTopic(req.ChatID),
			"chat_id":   req.ChatID,
			"user_id":   uid,
		},
	}, nil
}

func (s *Server) handleLeaveChat(ctx context.Context, c *conn, data json.RawMessage) (result, error) {
	req, err := decodeData[ChatRequest](data)
	if err != nil {
		return result{}, err
	}
	if err := s.reg.Leave(ctx, c.id, req.ChatID); err != nil {
		return result{}, err
	}
	uid, _ := s.reg.UserID(c.id)
	return result{
		message: "Chat left successfully.",
		data: map[string]string{
			"room_name": event.RoomTopic(req.ChatID),
			"chat_id":   req.ChatID,
			"user_id":   uid,
		},
	}, nil
}

func (s *Server) handleSendMessage(ctx context.Context, c *conn, data json.RawMessage) (result, error) {
	req, err := decodeData[SendMessageRequest](data)
	if err != nil {
		return result{}, err
	}
	if req.ChatID == "" {
		return result{}, event.Required("chat_id")
	}
	if err := s.actor("sendMessage", c, req.UserID); err != nil {
		return result{}, err
	}
	sent, err := s.pipeline.SendMessage(ctx, delivery.SendRequest{
		ChatID:       req.ChatID,
		SenderID:     req.UserID,
		Participants: req.Participants,
		Content:      req.Data,
		Type:         req.MessageType,
	})
	if err != nil {
		if sent != nil {
			return result{data: sent}, err
		}
		return result{}, err
	}
	return result{message: "Message sent successfully", data: sent}, nil
}

func (s *Server) handleEditMessage(ctx context.Context, c *conn, data json.RawMessage) (result, error) {
	req, err := decodeData[EditMessageRequest](data)
	if err != nil {
		return result{}, err
	}
	if err := s.actor("editMessage", c, req.UserID); err != nil {
		return result{}, err
	}
	edit, err := s.pipeline.EditMessage(ctx, delivery.EditRequest{
		MessageID: req.MessageID,
		ChatID:    req.ChatID,
		UserID:    req.UserID,
		Content:   req.Data,
	})
	if err != nil {
		if edit != nil {
			return result{data: edit}, err
		}
		return result{}, err
	}
	return result{message: "Message edited successfully", data: edit}, nil
}

func (s *Server) handleDeleteMessage(ctx context.Context, c *conn, data json.RawMessage) (result, error) {
	req, err := decodeData[DeleteMessageRequest](data)
	if err != nil {
		return result{}, err
	}
	if err := s.actor("deleteMessage", c, req.UserID); err != nil {
		return result{}, err
	}
	del, err := s.pipeline.DeleteMessage(ctx, delivery.DeleteRequest{
		MessageID:         req.MessageID,
		ChatID:            req.ChatID,
		UserID:            req.UserID,
		DeleteForEveryone: req.DeleteForEveryone,
		Data:              req.Data,
	})
	if err != nil {
		if del != nil {
			return result{data: del}, err
		}
		return result{}, err
	}
	return result{message: "Message deleted successfully", data: del}, nil
}

func (s *Server) handleTyping(started bool) handlerFunc {
	op := EventStopTyping
	if started {
		op = EventStartTyping
	}
	return func(ctx context.Context, c *conn, data json.RawMessage) (result, error) {
		req, err := decodeData[TypingRequest](data)
		if err != nil {
			return result{}, err
		}
		if req.ChatID == "" {
			return result{}, event.Required("chat_id")
		}
		if err := s.actor(op, c, req.UserID); err != nil {
			return result{}, err
		}
		if started {
			err = s.pipeline.StartTyping(ctx, req.ChatID, req.UserID, c.id)
		} else {
			err = s.pipeline.StopTyping(ctx, req.ChatID, req.UserID, c.id)
		}
		if err != nil {
			return result{}, err
		}
		return result{message: "Typing status updated"}, nil
	}
}

func (s *Server) handleMarkAsRead(ctx context.Context, c *conn, data json.RawMessage) (result, error) {
	req, err := decodeData[MarkAsReadRequest](data)
	if err != nil {
		return result{}, err
	}
	if req.ChatID == "" {
		return result{}, event.Required("chat_id")
	}
	if err := s.actor(EventMarkAsRead, c, req.UserID); err != nil {
		return result{}, err
	}
	r, err := s.pipeline.MarkRead(ctx, req.ChatID, req.UserID, req.LastMessageID)
	if err != nil {
		return result{}, err
	}
	return result{message: "Chat marked as read", data: r}, nil
}

func (s *Server) handleGetUserStatus(ctx context.Context, c *conn, data json.RawMessage) (result, error) {
	req, err := decodeData[UserStatusRequest](data)
	if err != nil {
		return result{}, err
	}
	online, err := s.reg.IsOnline(ctx, req.UserID)
	if err != nil {
		return result{}, err
	}
	status := event.StatusOffline
	if online {
		status = event.StatusOnline
	}
	return result{
		message: "User status retrieved",
		data:    event.Presence{UserID: req.UserID, Status: status},
	}, nil
}
