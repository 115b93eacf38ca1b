package server

import (
	"errors"
	"time"

	"github.com/aberthelot/campuschat/pkg/database"
	"github.com/aberthelot/campuschat/pkg/protocol"
)

// Dispatcher interprets authenticated envelopes: it persists messages and
// status changes, then relays them to the connected counterpart through
// the registry. Relay is strictly best effort; a receiver that is offline
// recovers through a history fetch.
type Dispatcher struct {
	db               *database.DB
	registry         *Registry
	metrics          *Metrics
	maxMessageLength int
}

// NewDispatcher creates a dispatcher over the given store and registry.
// maxMessageLength of 0 means no length limit.
func NewDispatcher(db *database.DB, registry *Registry, metrics *Metrics, maxMessageLength int) *Dispatcher {
	return &Dispatcher{db: db, registry: registry, metrics: metrics, maxMessageLength: maxMessageLength}
}

// HandleMessage persists a new message from senderID, relays it to the
// receiver if connected, and acknowledges the sender with message_sent on
// senderConn. The ack is the sender's only confirmation; there is no
// synchronous reply on the socket.
func (d *Dispatcher) HandleMessage(senderID int64, senderConn clientConn, data protocol.MessageData) {
	if d.maxMessageLength > 0 && len(data.Content) > d.maxMessageLength {
		debugLog.Printf("User %d sent %d-byte message, limit %d; dropping", senderID, len(data.Content), d.maxMessageLength)
		return
	}

	msg, err := d.db.CreateMessage(senderID, data.ReceiverID, data.Content)
	if err != nil {
		// Fire-and-forget: the sender gets no failure signal (known gap).
		errorLog.Printf("Persist message from %d to %d failed: %v", senderID, data.ReceiverID, err)
		if d.metrics != nil {
			d.metrics.RecordPersistenceError()
		}
		return
	}

	dto, err := d.db.GetMessageDTO(msg.ID)
	if err != nil {
		errorLog.Printf("Hydrate message %d failed: %v", msg.ID, err)
		if d.metrics != nil {
			d.metrics.RecordPersistenceError()
		}
		return
	}

	if receiverConn, ok := d.registry.Lookup(data.ReceiverID); ok {
		if err := receiverConn.WriteJSON(protocol.NewMessage(*dto)); err != nil {
			debugLog.Printf("Relay message %d to user %d failed: %v", msg.ID, data.ReceiverID, err)
			if d.metrics != nil {
				d.metrics.RecordRelayError()
			}
		} else if d.metrics != nil {
			d.metrics.RecordEnvelopeSent(protocol.TypeMessage)
		}
	}

	if err := senderConn.WriteJSON(protocol.NewMessageSent(*dto)); err != nil {
		debugLog.Printf("Ack message %d to user %d failed: %v", msg.ID, senderID, err)
		if d.metrics != nil {
			d.metrics.RecordRelayError()
		}
	} else if d.metrics != nil {
		d.metrics.RecordEnvelopeSent(protocol.TypeMessageSent)
	}
}

// HandleStatusUpdate applies a delivery-status transition requested by
// actorID and relays it to the message's sender if connected. Only the
// message's receiver may advance its status; transitions that would move
// the state machine backward are ignored.
func (d *Dispatcher) HandleStatusUpdate(actorID int64, data protocol.StatusUpdateData) {
	if !data.Status.Valid() {
		debugLog.Printf("User %d sent unknown status %q for message %d; ignoring", actorID, data.Status, data.MessageID)
		return
	}

	msg, err := d.db.GetMessage(data.MessageID)
	if errors.Is(err, database.ErrMessageNotFound) {
		debugLog.Printf("Status update for unknown message %d from user %d; ignoring", data.MessageID, actorID)
		return
	}
	if err != nil {
		errorLog.Printf("Load message %d failed: %v", data.MessageID, err)
		if d.metrics != nil {
			d.metrics.RecordPersistenceError()
		}
		return
	}

	if msg.ReceiverID != actorID {
		debugLog.Printf("User %d tried to update status of message %d addressed to %d; ignoring",
			actorID, msg.ID, msg.ReceiverID)
		return
	}

	updated, changed, err := d.db.ApplyStatus(msg.ID, data.Status)
	if err != nil {
		errorLog.Printf("Apply status %s to message %d failed: %v", data.Status, msg.ID, err)
		if d.metrics != nil {
			d.metrics.RecordPersistenceError()
		}
		return
	}
	if !changed {
		return
	}

	d.relayStatus(updated, data.Status)
}

// relayStatus notifies the message's original sender of a status change.
// No one else is notified.
func (d *Dispatcher) relayStatus(msg *database.Message, status protocol.Status) {
	senderConn, ok := d.registry.Lookup(msg.SenderID)
	if !ok {
		return
	}

	var updatedAt time.Time
	switch status {
	case protocol.StatusDelivered:
		updatedAt = unixMilliOrNow(msg.DeliveredAt)
	case protocol.StatusRead:
		updatedAt = unixMilliOrNow(msg.ReadAt)
	default:
		updatedAt = time.Now().UTC()
	}

	if err := senderConn.WriteJSON(protocol.NewStatusUpdate(msg.ID, status, updatedAt)); err != nil {
		debugLog.Printf("Relay status of message %d to user %d failed: %v", msg.ID, msg.SenderID, err)
		if d.metrics != nil {
			d.metrics.RecordRelayError()
		}
	} else if d.metrics != nil {
		d.metrics.RecordEnvelopeSent(protocol.TypeStatusUpdate)
	}
}
