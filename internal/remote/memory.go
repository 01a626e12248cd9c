package remote

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
)

// ErrUnreachable is what Memory returns while it is set offline.
var ErrUnreachable = errors.New("remote: unreachable")

// Memory is an in-process backend. It backs tests and the "memory" backend
// kind, and supports failure injection.
type Memory struct {
	mu            sync.RWMutex
	conversations map[string]*ConversationRecord
	messages      map[string]*MessageRecord
	lists         map[string][]string
	payloads      map[string]string // durable url -> local ref

	offline atomic.Bool

	// Hooks run before the matching operation; a non-nil error fails it.
	FetchHook  func(id string) error
	UploadHook func(ctx context.Context, localRef string) error
	InsertHook func(rec *MessageRecord) error

	fetches atomic.Int64
	uploads atomic.Int64
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]*ConversationRecord),
		messages:      make(map[string]*MessageRecord),
		lists:         make(map[string][]string),
		payloads:      make(map[string]string),
	}
}

// SetOffline makes every call fail with ErrUnreachable.
func (m *Memory) SetOffline(offline bool) { m.offline.Store(offline) }

// FetchCount is the number of FetchConversation calls so far.
func (m *Memory) FetchCount() int64 { return m.fetches.Load() }

// UploadCount is the number of UploadPayload calls so far.
func (m *Memory) UploadCount() int64 { return m.uploads.Load() }

// Seed stores a conversation with its messages and appends it to each
// participant's list.
func (m *Memory) Seed(conv ConversationRecord, msgs ...MessageRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range msgs {
		msg.ConversationID = conv.ID
		m.messages[msg.ID] = &msg
		if !slices.Contains(conv.MessageIDs, msg.ID) {
			conv.MessageIDs = append(conv.MessageIDs, msg.ID)
		}
	}
	m.conversations[conv.ID] = cloneConversation(&conv)
	for _, p := range conv.ParticipantIDs {
		if !slices.Contains(m.lists[p], conv.ID) {
			m.lists[p] = append(m.lists[p], conv.ID)
		}
	}
}

// Message returns a stored message record, for assertions.
func (m *Memory) Message(id string) (*MessageRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.messages[id]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

func (m *Memory) check() error {
	if m.offline.Load() {
		return ErrUnreachable
	}
	return nil
}

func (m *Memory) FetchConversation(ctx context.Context, id string) (*ConversationRecord, error) {
	m.fetches.Add(1)
	if err := m.check(); err != nil {
		return nil, err
	}
	if m.FetchHook != nil {
		if err := m.FetchHook(id); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %q: %w", id, ErrNotFound)
	}
	return cloneConversation(rec), nil
}

func (m *Memory) FetchMessage(_ context.Context, id string) (*MessageRecord, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.messages[id]
	if !ok {
		return nil, fmt.Errorf("message %q: %w", id, ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

func (m *Memory) UpsertConversation(_ context.Context, rec *ConversationRecord) error {
	if err := m.check(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[rec.ID] = cloneConversation(rec)
	return nil
}

func (m *Memory) InsertMessage(_ context.Context, rec *MessageRecord) error {
	if err := m.check(); err != nil {
		return err
	}
	if m.InsertHook != nil {
		if err := m.InsertHook(rec); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.messages[rec.ID]; exists {
		return fmt.Errorf("message %q: %w", rec.ID, ErrAlreadyExists)
	}
	cp := *rec
	m.messages[rec.ID] = &cp
	return nil
}

func (m *Memory) UploadPayload(ctx context.Context, localRef string) (string, error) {
	m.uploads.Add(1)
	if err := m.check(); err != nil {
		return "", err
	}
	if m.UploadHook != nil {
		if err := m.UploadHook(ctx, localRef); err != nil {
			return "", err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	url := fmt.Sprintf("mem://payloads/%d-%s", len(m.payloads)+1, filepath.Base(localRef))
	m.payloads[url] = localRef
	return url, nil
}

func (m *Memory) FetchParticipantConversationList(_ context.Context, participantID string) ([]string, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.lists[participantID]), nil
}

func (m *Memory) UpdateParticipantConversationList(_ context.Context, participantID string, ids []string) error {
	if err := m.check(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[participantID] = slices.Clone(ids)
	return nil
}

func (m *Memory) Ping(_ context.Context) error {
	return m.check()
}

func cloneConversation(rec *ConversationRecord) *ConversationRecord {
	cp := *rec
	cp.ParticipantIDs = slices.Clone(rec.ParticipantIDs)
	cp.MessageIDs = slices.Clone(rec.MessageIDs)
	cp.LastRead = maps.Clone(rec.LastRead)
	return &cp
}

var _ Contract = (*Memory)(nil)
