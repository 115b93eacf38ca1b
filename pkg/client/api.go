package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aberthelot/campuschat/pkg/protocol"
)

// API consumes the portal's request/response surface. The session manager
// uses it for login, history fetches, and as the send path of last resort
// when no socket is open.
type API struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// UserInfo is the caller's identity as returned by login.
type UserInfo struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

// Conversation is one counterpart in the caller's conversation list.
type Conversation struct {
	UserID      int64               `json:"userId"`
	Username    string              `json:"username"`
	DisplayName string              `json:"displayName"`
	Role        string              `json:"role"`
	LastMessage protocol.MessageDTO `json:"lastMessage"`
	UnreadCount int                 `json:"unreadCount"`
}

// APIError is a non-2xx reply from the portal.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %s (status %d)", e.Message, e.StatusCode)
}

// NewAPI creates an API consumer for the portal at baseURL
// (e.g. "http://localhost:8080").
func NewAPI(baseURL string) *API {
	return &API{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// SetToken sets the bearer credential used on authenticated calls.
func (a *API) SetToken(token string) {
	a.token = token
}

// Token returns the current bearer credential.
func (a *API) Token() string {
	return a.token
}

// Login exchanges credentials for a bearer token and stores it on the
// consumer for subsequent calls.
func (a *API) Login(username, password string) (*UserInfo, error) {
	var result struct {
		Token string   `json:"token"`
		User  UserInfo `json:"user"`
	}
	err := a.do(http.MethodPost, "/api/login", map[string]string{
		"username": username,
		"password": password,
	}, &result)
	if err != nil {
		return nil, err
	}

	a.token = result.Token
	return &result.User, nil
}

// ListConversations fetches the caller's conversation list.
func (a *API) ListConversations() ([]Conversation, error) {
	var conversations []Conversation
	if err := a.do(http.MethodGet, "/api/conversations", nil, &conversations); err != nil {
		return nil, err
	}
	return conversations, nil
}

// History fetches the ordered message history with a counterpart.
func (a *API) History(counterpartID int64) ([]protocol.MessageDTO, error) {
	var messages []protocol.MessageDTO
	path := fmt.Sprintf("/api/messages/%d", counterpartID)
	if err := a.do(http.MethodGet, path, nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// SendMessage creates a message over the request/response surface and
// returns the stored message synchronously.
func (a *API) SendMessage(receiverID int64, content string) (*protocol.MessageDTO, error) {
	var msg protocol.MessageDTO
	err := a.do(http.MethodPost, "/api/messages", map[string]any{
		"receiverId": receiverID,
		"content":    content,
	}, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// UpdateStatus advances a message's delivery status and returns the
// updated message.
func (a *API) UpdateStatus(messageID int64, status protocol.Status) (*protocol.MessageDTO, error) {
	var msg protocol.MessageDTO
	path := fmt.Sprintf("/api/messages/%d/status", messageID)
	err := a.do(http.MethodPatch, path, map[string]any{"status": status}, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (a *API) do(method, path string, body any, out any) error {
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, a.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Error}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
