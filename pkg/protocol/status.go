package protocol

// Status is a message delivery status. Statuses only ever move forward
// (sent → delivered → read); a transition that would move backward is
// ignored wherever it is applied.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// statusRank orders statuses along the delivery progression.
var statusRank = map[Status]int{
	StatusSent:      0,
	StatusDelivered: 1,
	StatusRead:      2,
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Advances reports whether moving from s to next is a forward transition.
// Equal or backward transitions (and unknown statuses) return false.
func (s Status) Advances(next Status) bool {
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	return to > from
}
