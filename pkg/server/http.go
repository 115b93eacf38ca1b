package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/aberthelot/campuschat/pkg/auth"
	"github.com/aberthelot/campuschat/pkg/database"
	"github.com/aberthelot/campuschat/pkg/protocol"
)

// The request/response surface backs the non-realtime parts of the portal
// and serves as the client's fallback path when its socket is down. Every
// endpoint except login requires a bearer token.

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string   `json:"token"`
	User  userJSON `json:"user"`
}

type userJSON struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

type sendMessageRequest struct {
	ReceiverID int64  `json:"receiverId"`
	Content    string `json:"content"`
}

type updateStatusRequest struct {
	Status protocol.Status `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) routes() http.Handler {
	router := httprouter.New()

	router.GET("/ws", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		s.HandleWebSocket(w, r)
	})

	router.POST("/api/login", s.handleLogin)
	router.GET("/api/conversations", s.authenticated(s.handleListConversations))
	router.GET("/api/messages/:userID", s.authenticated(s.handleHistory))
	router.POST("/api/messages", s.authenticated(s.handleSendMessage))
	router.PATCH("/api/messages/:id/status", s.authenticated(s.handleUpdateStatus))

	return router
}

// authedHandle is an httprouter handle with the caller's verified claims.
type authedHandle func(w http.ResponseWriter, r *http.Request, ps httprouter.Params, claims *auth.Claims)

// authenticated wraps a handle with bearer-token verification.
func (s *Server) authenticated(next authedHandle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}

		claims, err := s.validator.Validate(token)
		if err != nil {
			if s.metrics != nil {
				s.metrics.RecordAuthFailure()
			}
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		next(w, r, ps, claims)
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	user, err := s.db.GetUserByUsername(req.Username)
	if errors.Is(err, database.ErrUserNotFound) {
		// Same reply as a bad password; don't leak which usernames exist.
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		errorLog.Printf("Login lookup for %q failed: %v", req.Username, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	match, err := auth.ComparePassword(req.Password, user.PasswordHash)
	if err != nil || !match {
		if s.metrics != nil {
			s.metrics.RecordAuthFailure()
		}
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := s.tokens.Generate(user.ID, user.Role)
	if err != nil {
		errorLog.Printf("Token generation for user %d failed: %v", user.ID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token: token,
		User: userJSON{
			ID:          user.ID,
			Username:    user.Username,
			DisplayName: user.DisplayName,
			Role:        user.Role,
		},
	})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request, _ httprouter.Params, claims *auth.Claims) {
	summaries, err := s.db.ListConversations(claims.UserID)
	if err != nil {
		errorLog.Printf("List conversations for user %d failed: %v", claims.UserID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, ps httprouter.Params, claims *auth.Claims) {
	counterpartID, err := strconv.ParseInt(ps.ByName("userID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	messages, err := s.db.ListConversation(claims.UserID, counterpartID)
	if err != nil {
		errorLog.Printf("List conversation %d/%d failed: %v", claims.UserID, counterpartID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

// handleSendMessage is the fallback send path. Unlike the socket path it
// replies synchronously with the stored message; relay to a connected
// receiver still happens.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, _ httprouter.Params, claims *auth.Claims) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	if s.config.MaxMessageLength > 0 && len(req.Content) > s.config.MaxMessageLength {
		writeError(w, http.StatusBadRequest, "message too long")
		return
	}

	msg, err := s.db.CreateMessage(claims.UserID, req.ReceiverID, req.Content)
	if errors.Is(err, database.ErrSelfMessage) {
		writeError(w, http.StatusBadRequest, "cannot message yourself")
		return
	}
	if err != nil {
		errorLog.Printf("Persist message from %d to %d failed: %v", claims.UserID, req.ReceiverID, err)
		if s.metrics != nil {
			s.metrics.RecordPersistenceError()
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	dto, err := s.db.GetMessageDTO(msg.ID)
	if err != nil {
		errorLog.Printf("Hydrate message %d failed: %v", msg.ID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if receiverConn, ok := s.registry.Lookup(req.ReceiverID); ok {
		if err := receiverConn.WriteJSON(protocol.NewMessage(*dto)); err != nil {
			debugLog.Printf("Relay message %d to user %d failed: %v", msg.ID, req.ReceiverID, err)
			if s.metrics != nil {
				s.metrics.RecordRelayError()
			}
		} else if s.metrics != nil {
			s.metrics.RecordEnvelopeSent(protocol.TypeMessage)
		}
	}

	writeJSON(w, http.StatusCreated, dto)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request, ps httprouter.Params, claims *auth.Claims) {
	messageID, err := strconv.ParseInt(ps.ByName("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}

	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.Status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}

	msg, err := s.db.GetMessage(messageID)
	if errors.Is(err, database.ErrMessageNotFound) {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if err != nil {
		errorLog.Printf("Load message %d failed: %v", messageID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// Only the message's receiver may advance its status.
	if msg.ReceiverID != claims.UserID {
		writeError(w, http.StatusForbidden, "not the message receiver")
		return
	}

	updated, changed, err := s.db.ApplyStatus(messageID, req.Status)
	if err != nil {
		errorLog.Printf("Apply status %s to message %d failed: %v", req.Status, messageID, err)
		if s.metrics != nil {
			s.metrics.RecordPersistenceError()
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if changed {
		s.dispatcher.relayStatus(updated, req.Status)
	}

	dto, err := s.db.GetMessageDTO(messageID)
	if err != nil {
		errorLog.Printf("Hydrate message %d failed: %v", messageID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		errorLog.Printf("Encode response failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// unixMilliOrNow is shared by the status relay paths.
func unixMilliOrNow(ms *int64) time.Time {
	if ms != nil {
		return time.UnixMilli(*ms).UTC()
	}
	return time.Now().UTC()
}
