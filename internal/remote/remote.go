// Package remote defines the contract to the authoritative backend and the
// backends that implement it.
package remote

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record does not exist remotely.
var ErrNotFound = errors.New("remote: not found")

// ErrAlreadyExists is returned when inserting a record whose id is taken.
var ErrAlreadyExists = errors.New("remote: already exists")

// ConversationRecord is the server-side conversation document.
type ConversationRecord struct {
	ID             string           `bson:"_id"`
	ParticipantIDs []string         `bson:"participant_ids"`
	LastRead       map[string]int64 `bson:"last_read"`
	MessageIDs     []string         `bson:"message_ids"`
}

// MessageRecord is the server-side voice message document.
type MessageRecord struct {
	ID             string `bson:"_id"`
	ConversationID string `bson:"conversation_id"`
	SenderID       string `bson:"sender_id"`
	PayloadURL     string `bson:"payload_url"`
	Timestamp      int64  `bson:"timestamp"`
	IsRead         bool   `bson:"is_read"`
}

// Contract is the read/write surface of the backend consumed by the engine.
type Contract interface {
	FetchConversation(ctx context.Context, id string) (*ConversationRecord, error)
	FetchMessage(ctx context.Context, id string) (*MessageRecord, error)
	UpsertConversation(ctx context.Context, rec *ConversationRecord) error
	// InsertMessage fails with ErrAlreadyExists when rec.ID is taken.
	InsertMessage(ctx context.Context, rec *MessageRecord) error
	// UploadPayload stores the local payload and returns a durable URL.
	UploadPayload(ctx context.Context, localRef string) (string, error)
	// FetchParticipantConversationList returns the participant's conversation
	// ids, most recently associated first. Unknown participants have none.
	FetchParticipantConversationList(ctx context.Context, participantID string) ([]string, error)
	UpdateParticipantConversationList(ctx context.Context, participantID string, ids []string) error
	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error
}

// PromoteConversation returns ids with conversationID moved to the front.
func PromoteConversation(ids []string, conversationID string) []string {
	out := make([]string, 0, len(ids)+1)
	out = append(out, conversationID)
	for _, id := range ids {
		if id != conversationID {
			out = append(out, id)
		}
	}
	return out
}
