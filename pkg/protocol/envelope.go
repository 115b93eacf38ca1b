// Package protocol defines the JSON envelopes exchanged over the messaging
// socket. Every envelope is a JSON object with a "type" discriminator; the
// remaining fields depend on the type.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope types sent by the client.
const (
	TypeAuth         = "auth"
	TypeMessage      = "message"
	TypeStatusUpdate = "status_update"
)

// Envelope types sent by the server. TypeMessage is used in both directions:
// client→server it carries a send request, server→client a hydrated DTO.
const (
	TypeAuthSuccess = "auth_success"
	TypeAuthError   = "auth_error"
	TypeMessageSent = "message_sent"
)

// ClientEnvelope is the wire shape of every client→server envelope.
// Token is only set for auth; Data carries the typed payload for
// message and status_update.
type ClientEnvelope struct {
	Type  string          `json:"type"`
	Token string          `json:"token,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// MessageData is the payload of a client message envelope.
type MessageData struct {
	ReceiverID int64  `json:"receiverId"`
	Content    string `json:"content"`
}

// StatusUpdateData is the payload of a client status_update envelope.
type StatusUpdateData struct {
	MessageID int64  `json:"messageId"`
	Status    Status `json:"status"`
}

// MessageDTO is the hydrated message representation sent to clients, both
// over the socket and from the request/response surface.
type MessageDTO struct {
	ID           int64      `json:"id"`
	SenderID     int64      `json:"senderId"`
	SenderName   string     `json:"senderName"`
	SenderRole   string     `json:"senderRole"`
	ReceiverID   int64      `json:"receiverId"`
	ReceiverName string     `json:"receiverName"`
	ReceiverRole string     `json:"receiverRole"`
	Content      string     `json:"content"`
	SentAt       time.Time  `json:"sentAt"`
	DeliveredAt  *time.Time `json:"deliveredAt"`
	ReadAt       *time.Time `json:"readAt"`
	Status       Status     `json:"status"`
}

// StatusUpdateDTO notifies a message's sender that its status advanced.
type StatusUpdateDTO struct {
	MessageID int64     `json:"messageId"`
	Status    Status    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AuthSuccessEnvelope acknowledges a successful auth handshake.
type AuthSuccessEnvelope struct {
	Type   string `json:"type"`
	UserID int64  `json:"userId"`
}

// AuthErrorEnvelope reports a failed auth handshake. The connection stays
// open; the client decides whether to retry.
type AuthErrorEnvelope struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// MessageEnvelope delivers a message to its receiver (type "message") or
// acknowledges a send to its sender (type "message_sent").
type MessageEnvelope struct {
	Type    string     `json:"type"`
	Message MessageDTO `json:"message"`
}

// StatusUpdateEnvelope relays a status transition to the message's sender.
type StatusUpdateEnvelope struct {
	Type   string          `json:"type"`
	Update StatusUpdateDTO `json:"update"`
}

// NewAuthSuccess builds an auth_success envelope.
func NewAuthSuccess(userID int64) AuthSuccessEnvelope {
	return AuthSuccessEnvelope{Type: TypeAuthSuccess, UserID: userID}
}

// NewAuthError builds an auth_error envelope.
func NewAuthError(message string) AuthErrorEnvelope {
	return AuthErrorEnvelope{Type: TypeAuthError, Message: message}
}

// NewMessage builds a message envelope for the receiver.
func NewMessage(msg MessageDTO) MessageEnvelope {
	return MessageEnvelope{Type: TypeMessage, Message: msg}
}

// NewMessageSent builds the sender's acknowledgement envelope.
func NewMessageSent(msg MessageDTO) MessageEnvelope {
	return MessageEnvelope{Type: TypeMessageSent, Message: msg}
}

// NewStatusUpdate builds a status_update envelope for the sender.
func NewStatusUpdate(messageID int64, status Status, updatedAt time.Time) StatusUpdateEnvelope {
	return StatusUpdateEnvelope{
		Type: TypeStatusUpdate,
		Update: StatusUpdateDTO{
			MessageID: messageID,
			Status:    status,
			UpdatedAt: updatedAt,
		},
	}
}

// DecodeClientEnvelope parses a raw client frame. It only validates the
// outer shape; payload decoding happens per-type via DecodeData.
func DecodeClientEnvelope(raw []byte) (*ClientEnvelope, error) {
	var env ClientEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope missing type")
	}
	return &env, nil
}

// DecodeData unmarshals the envelope payload into dst.
func (e *ClientEnvelope) DecodeData(dst any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s envelope missing data", e.Type)
	}
	if err := json.Unmarshal(e.Data, dst); err != nil {
		return fmt.Errorf("malformed %s data: %w", e.Type, err)
	}
	return nil
}

// NewAuth builds the client's initial auth envelope.
func NewAuth(token string) ClientEnvelope {
	return ClientEnvelope{Type: TypeAuth, Token: token}
}

// NewClientMessage builds a client message envelope.
func NewClientMessage(receiverID int64, content string) (ClientEnvelope, error) {
	data, err := json.Marshal(MessageData{ReceiverID: receiverID, Content: content})
	if err != nil {
		return ClientEnvelope{}, err
	}
	return ClientEnvelope{Type: TypeMessage, Data: data}, nil
}

// NewClientStatusUpdate builds a client status_update envelope.
func NewClientStatusUpdate(messageID int64, status Status) (ClientEnvelope, error) {
	data, err := json.Marshal(StatusUpdateData{MessageID: messageID, Status: status})
	if err != nil {
		return ClientEnvelope{}, err
	}
	return ClientEnvelope{Type: TypeStatusUpdate, Data: data}, nil
}

// PeekType extracts the type discriminator from a raw server frame so the
// client can pick the right envelope struct to decode into.
func PeekType(raw []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", fmt.Errorf("malformed envelope: %w", err)
	}
	if head.Type == "" {
		return "", fmt.Errorf("envelope missing type")
	}
	return head.Type, nil
}
