package store

// Participant is one member of a conversation together with the time they
// last read it (unix ms, 0 when never).
type Participant struct {
	ID         string
	LastReadAt int64
}

// Conversation is a cached conversation row plus its messages.
type Conversation struct {
	ID                   string
	Participants         []Participant
	LastMessageTimestamp int64
	SyncedAt             int64
	IsCached             bool
	Messages             []Message
}

// ParticipantIDs returns the participant ids in stored order.
func (c *Conversation) ParticipantIDs() []string {
	ids := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		ids = append(ids, p.ID)
	}
	return ids
}

// Message is a cached voice message.
type Message struct {
	ID             string
	ConversationID string
	Timestamp      int64
	SenderID       string
	PayloadURL     string
	IsRead         bool
	SyncedAt       int64
}

// Profile is a cached snapshot of a user's display fields.
type Profile struct {
	UID       string
	Name      string
	AvatarURL string
	Email     string
	ShortCode string
	SyncedAt  int64
}

// PendingStatus is the delivery state of a queued outbound message.
type PendingStatus string

const (
	StatusPending           PendingStatus = "pending"
	StatusSending           PendingStatus = "sending"
	StatusFailed            PendingStatus = "failed"
	StatusPermanentlyFailed PendingStatus = "permanently_failed"
)

// PendingMessage is an outbound voice message that has not been delivered yet.
type PendingMessage struct {
	LocalID        string
	ConversationID string
	PayloadRef     string
	Timestamp      int64
	RetryCount     int
	LastError      string // empty when never failed
	Status         PendingStatus
	NextAttemptAt  int64
	MessageID      string // remote message id, fixed on the first attempt
}
