package api

import (
	"time"

	"github.com/matheus3301/voxsync/internal/outbox"
	"github.com/matheus3301/voxsync/internal/status"
	"github.com/matheus3301/voxsync/internal/store"
	"google.golang.org/protobuf/types/known/structpb"
)

func conversationToMap(c *store.Conversation) map[string]any {
	participants := make([]any, 0, len(c.Participants))
	for _, p := range c.Participants {
		participants = append(participants, map[string]any{
			"id":           p.ID,
			"last_read_at": p.LastReadAt,
		})
	}
	messages := make([]any, 0, len(c.Messages))
	for i := range c.Messages {
		messages = append(messages, messageToMap(&c.Messages[i]))
	}
	return map[string]any{
		"id":                     c.ID,
		"participants":           participants,
		"last_message_timestamp": c.LastMessageTimestamp,
		"synced_at":              c.SyncedAt,
		"is_cached":              c.IsCached,
		"messages":               messages,
	}
}

func messageToMap(m *store.Message) map[string]any {
	return map[string]any{
		"id":          m.ID,
		"timestamp":   m.Timestamp,
		"sender_id":   m.SenderID,
		"payload_url": m.PayloadURL,
		"is_read":     m.IsRead,
	}
}

func conversationsToStruct(convs []store.Conversation) (*structpb.Struct, error) {
	list := make([]any, 0, len(convs))
	for i := range convs {
		list = append(list, conversationToMap(&convs[i]))
	}
	return structpb.NewStruct(map[string]any{"conversations": list})
}

func pendingToMap(p *store.PendingMessage) map[string]any {
	m := map[string]any{
		"local_id":        p.LocalID,
		"conversation_id": p.ConversationID,
		"payload_ref":     p.PayloadRef,
		"timestamp":       p.Timestamp,
		"retry_count":     p.RetryCount,
		"status":          string(p.Status),
		"next_attempt_at": p.NextAttemptAt,
	}
	if p.LastError != "" {
		m["last_error"] = p.LastError
	}
	return m
}

func reportToMap(r outbox.Report) map[string]any {
	m := map[string]any{
		"attempted":          r.Attempted,
		"delivered":          r.Delivered,
		"failed":             r.Failed,
		"permanently_failed": r.PermanentlyFailed,
	}
	if r.Skipped != "" {
		m["skipped"] = r.Skipped
	}
	return m
}

func statusToMap(s status.Status) map[string]any {
	m := map[string]any{
		"is_syncing": s.IsSyncing,
		"phase":      string(s.Phase()),
	}
	if !s.LastSyncTime.IsZero() {
		m["last_sync_time"] = s.LastSyncTime.UTC().Format(time.RFC3339Nano)
	}
	if s.Err != nil {
		m["error"] = s.Err.Error()
	}
	return m
}

func profileToStruct(p *store.Profile) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"uid":        p.UID,
		"name":       p.Name,
		"avatar_url": p.AvatarURL,
		"email":      p.Email,
		"short_code": p.ShortCode,
		"synced_at":  p.SyncedAt,
	})
}

func stringList(v *structpb.Value) []string {
	values := v.GetListValue().GetValues()
	out := make([]string, 0, len(values))
	for _, item := range values {
		if s := item.GetStringValue(); s != "" {
			out = append(out, s)
		}
	}
	return out
}
