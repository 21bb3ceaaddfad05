package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Tyrowin/gochat/internal/auth"
	"github.com/Tyrowin/gochat/internal/chat"
	"github.com/Tyrowin/gochat/internal/delivery"
)

const maxBodyBytes = 64 * 1024

// PostMessageRequest is the body of POST /api/messages.
type PostMessageRequest struct {
	RoomID       chat.RoomID `json:"roomId"`
	Content      string      `json:"content"`
	AttachmentID *int64      `json:"attachmentId,omitempty"`
}

// AskRequest is the body of POST /api/ai and POST /api/ai/solo.
type AskRequest struct {
	RoomID chat.RoomID `json:"roomId,omitempty"`
	Prompt string      `json:"prompt"`
}

// DirectRoomRequest is the body of POST /api/rooms/dm.
type DirectRoomRequest struct {
	Other string `json:"other"`
}

// GroupRoomRequest is the body of POST /api/rooms/group.
type GroupRoomRequest struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

// JSON sends a JSON response with the given status code.
func (s *Server) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Debug().Err(err).Msg("write response")
	}
}

// Error sends {ok:false, error} with the given status code.
func (s *Server) Error(w http.ResponseWriter, status int, message string) {
	s.JSON(w, status, map[string]any{"ok": false, "error": message})
}

// writeError maps err to its status and logs server-side failures.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := httpStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Int("status", status).Msg("request failed")
	}
	s.Error(w, status, publicMessage(err))
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body", errBadRequest)
	}
	return nil
}

// identity returns the caller set by auth.Middleware.
func identity(r *http.Request) (string, error) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return "", auth.ErrUnauthenticated
	}
	return id, nil
}

// PostMessage submits a message through the delivery pipeline.
func (s *Server) PostMessage(w http.ResponseWriter, r *http.Request) {
	sender, err := identity(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req PostMessageRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	res, err := s.pipeline.Submit(r.Context(), delivery.Request{
		RoomID:       req.RoomID,
		Sender:       sender,
		Content:      req.Content,
		AttachmentID: req.AttachmentID,
	})
	if err != nil {
		if errors.Is(err, delivery.ErrAssistant) && res.Message.ID != 0 {
			s.log.Warn().Err(err).Int64("room", int64(req.RoomID)).Msg("assistant reply failed")
			s.JSON(w, httpStatus(err), map[string]any{
				"ok":      false,
				"error":   publicMessage(err),
				"message": res.Message,
			})
			return
		}
		s.writeError(w, err)
		return
	}

	body := map[string]any{"ok": true, "message": res.Message}
	if res.Reply != nil {
		body["reply"] = res.Reply
	}
	s.JSON(w, http.StatusCreated, body)
}

// ListMessages returns a room's history to one of its members. The room id
// comes from the path or the roomId query parameter.
func (s *Server) ListMessages(w http.ResponseWriter, r *http.Request) {
	caller, err := identity(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	raw := chi.URLParam(r, "roomId")
	if raw == "" {
		raw = r.URL.Query().Get("roomId")
	}
	room, err := parseRoomID(raw)
	if err != nil {
		s.writeError(w, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	member, err := s.store.IsMember(r.Context(), room, caller)
	if err != nil {
		s.writeError(w, fmt.Errorf("check membership: %w", err))
		return
	}
	if !member {
		s.writeError(w, delivery.ErrNotMember)
		return
	}

	msgs, err := s.store.ListMessages(r.Context(), room, limit)
	if err != nil {
		s.writeError(w, fmt.Errorf("list messages: %w", err))
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	s.JSON(w, http.StatusOK, map[string]any{"ok": true, "messages": msgs})
}

// Ask answers a prompt. With a roomId the answer is also posted to the room.
func (s *Server) Ask(w http.ResponseWriter, r *http.Request) {
	s.ask(w, r, false)
}

// AskSolo answers a prompt without touching any room.
func (s *Server) AskSolo(w http.ResponseWriter, r *http.Request) {
	s.ask(w, r, true)
}

func (s *Server) ask(w http.ResponseWriter, r *http.Request, solo bool) {
	caller, err := identity(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req AskRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if solo {
		req.RoomID = 0
	}

	out, err := s.pipeline.Ask(r.Context(), delivery.AskRequest{
		RoomID: req.RoomID,
		Sender: caller,
		Prompt: req.Prompt,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	body := map[string]any{
		"ok":         true,
		"answer":     out.Answer.Text,
		"isFallback": out.Answer.Degraded,
	}
	if out.Message != nil {
		body["message"] = out.Message
	}
	s.JSON(w, http.StatusOK, body)
}

// ListRooms returns the caller's rooms.
func (s *Server) ListRooms(w http.ResponseWriter, r *http.Request) {
	caller, err := identity(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	rooms, err := s.store.ListRooms(r.Context(), caller)
	if err != nil {
		s.writeError(w, fmt.Errorf("list rooms: %w", err))
		return
	}
	if rooms == nil {
		rooms = []chat.Room{}
	}
	s.JSON(w, http.StatusOK, map[string]any{"ok": true, "rooms": rooms})
}

// CreateDirectRoom returns the caller's direct room with another identity,
// creating it on first use.
func (s *Server) CreateDirectRoom(w http.ResponseWriter, r *http.Request) {
	caller, err := identity(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req DirectRoomRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	room, err := s.store.CreateDirectRoom(r.Context(), caller, strings.TrimSpace(req.Other))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.hub.RoomsChanged(room.ID)
	s.JSON(w, http.StatusOK, map[string]any{"ok": true, "roomId": room.ID})
}

// CreateGroupRoom creates a named room with the caller as a member.
func (s *Server) CreateGroupRoom(w http.ResponseWriter, r *http.Request) {
	caller, err := identity(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req GroupRoomRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	room, err := s.store.CreateGroupRoom(r.Context(), req.Name, caller, req.Members)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.hub.RoomsChanged(room.ID)
	s.JSON(w, http.StatusCreated, map[string]any{"ok": true, "roomId": room.ID})
}

// Presence lists the identities currently online.
func (s *Server) Presence(w http.ResponseWriter, _ *http.Request) {
	users, err := s.hub.Online()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.JSON(w, http.StatusOK, map[string]any{"ok": true, "users": users})
}

func parseRoomID(raw string) (chat.RoomID, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: roomId must be a positive integer", errBadRequest)
	}
	return chat.RoomID(id), nil
}
