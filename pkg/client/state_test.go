package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aberthelot/campuschat/pkg/protocol"
)

func testMessage(id int64, content string) protocol.MessageDTO {
	return protocol.MessageDTO{
		ID:         id,
		SenderID:   2,
		ReceiverID: 5,
		Content:    content,
		SentAt:     time.Now().UTC(),
		Status:     protocol.StatusSent,
	}
}

func TestStateUpsertAppendsNewIDs(t *testing.T) {
	s := NewState()

	assert.True(t, s.Upsert(testMessage(1, "first")))
	assert.True(t, s.Upsert(testMessage(2, "second")))

	messages := s.Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, "first", messages[0].Content)
	assert.Equal(t, "second", messages[1].Content)
}

func TestStateUpsertReplacesKnownID(t *testing.T) {
	s := NewState()

	s.Upsert(testMessage(1, "optimistic"))
	assert.False(t, s.Upsert(testMessage(1, "stored")))

	messages := s.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, "stored", messages[0].Content)
}

func TestStateApplyStatus(t *testing.T) {
	s := NewState()
	s.Upsert(testMessage(1, "hello"))

	now := time.Now().UTC()
	assert.True(t, s.ApplyStatus(protocol.StatusUpdateDTO{MessageID: 1, Status: protocol.StatusDelivered, UpdatedAt: now}))

	messages := s.Messages()
	assert.Equal(t, protocol.StatusDelivered, messages[0].Status)
	require.NotNil(t, messages[0].DeliveredAt)
	assert.Equal(t, now, *messages[0].DeliveredAt)
}

func TestStateApplyStatusNeverRegresses(t *testing.T) {
	s := NewState()
	s.Upsert(testMessage(1, "hello"))

	now := time.Now().UTC()
	require.True(t, s.ApplyStatus(protocol.StatusUpdateDTO{MessageID: 1, Status: protocol.StatusRead, UpdatedAt: now}))
	assert.False(t, s.ApplyStatus(protocol.StatusUpdateDTO{MessageID: 1, Status: protocol.StatusDelivered, UpdatedAt: now}))
	assert.False(t, s.ApplyStatus(protocol.StatusUpdateDTO{MessageID: 1, Status: protocol.StatusRead, UpdatedAt: now}))

	messages := s.Messages()
	assert.Equal(t, protocol.StatusRead, messages[0].Status)
}

func TestStateApplyStatusUnknownID(t *testing.T) {
	s := NewState()
	assert.False(t, s.ApplyStatus(protocol.StatusUpdateDTO{MessageID: 99, Status: protocol.StatusRead}))
}

func TestStateReplace(t *testing.T) {
	s := NewState()
	s.Upsert(testMessage(1, "stale"))

	s.Replace([]protocol.MessageDTO{testMessage(10, "a"), testMessage(11, "b")})

	messages := s.Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, int64(10), messages[0].ID)

	// The rebuilt index merges by the new ids.
	assert.False(t, s.Upsert(testMessage(10, "a2")))
	assert.Equal(t, 2, s.Len())
}
