package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Init(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func conv(id string, participants []string, tss ...int64) *Conversation {
	c := &Conversation{ID: id}
	for _, p := range participants {
		c.Participants = append(c.Participants, Participant{ID: p})
	}
	for i, ts := range tss {
		c.Messages = append(c.Messages, Message{
			ID:         fmt.Sprintf("%s-m%d", id, i),
			Timestamp:  ts,
			SenderID:   participants[i%len(participants)],
			PayloadURL: fmt.Sprintf("gridfs://voice/%s-%d", id, i),
		})
	}
	return c
}

func TestInitAppliesOnFreshDB(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "fresh.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	result, err := db.Init()
	if err != nil {
		t.Fatal(err)
	}
	if !result.Changed {
		t.Error("first Init() should report Changed=true")
	}
	if result.Version != SchemaVersion {
		t.Errorf("version = %d, want %d (init, pending backoff, message id)", result.Version, SchemaVersion)
	}

	// Second call is a no-op.
	result, err = db.Init()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Init() should report Changed=false")
	}
}

func TestInitIsIdempotentAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	for i := 0; i < 2; i++ {
		db, err := Open(path)
		if err != nil {
			t.Fatal(err)
		}
		result, err := db.Init()
		if err != nil {
			t.Fatalf("open #%d: %v", i, err)
		}
		if i == 1 && result.Changed {
			t.Error("reopened db should not migrate again")
		}
		_ = db.Close()
	}
}

func TestOperationsFailBeforeInit(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	ops := map[string]func() error{
		"UpsertConversation": func() error { return db.UpsertConversation(conv("c1", []string{"a", "b"})) },
		"GetRecentConversations": func() error {
			_, err := db.GetRecentConversations(10)
			return err
		},
		"GetMessages": func() error {
			_, err := db.GetMessages("c1")
			return err
		},
		"SetMeta":  func() error { return db.SetMeta("k", "v") },
		"ClearAll": db.ClearAll,
		"PendingCount": func() error {
			_, err := db.PendingCount()
			return err
		},
	}
	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			if err := op(); !errors.Is(err, ErrNotInitialized) {
				t.Errorf("err = %v, want ErrNotInitialized", err)
			}
		})
	}
}

func TestOpenMemoryIsolated(t *testing.T) {
	a, err := OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = a.Close() }()
	b, err := OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = b.Close() }()
	if _, err := a.Init(); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Init(); err != nil {
		t.Fatal(err)
	}

	if err := a.UpsertConversation(conv("c1", []string{"a", "b"}, 1)); err != nil {
		t.Fatal(err)
	}
	n, err := b.ConversationCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("second memory db sees %d conversations, want 0", n)
	}
}

func TestUpsertConversationDerivesLastMessageTimestamp(t *testing.T) {
	db := testDB(t)

	c := conv("c1", []string{"alice", "bob"}, 3000, 1000, 2000)
	if err := db.UpsertConversation(c); err != nil {
		t.Fatal(err)
	}
	if c.LastMessageTimestamp != 3000 {
		t.Errorf("LastMessageTimestamp = %d, want 3000", c.LastMessageTimestamp)
	}

	got, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("conversation not stored")
	}
	if got.LastMessageTimestamp != 3000 {
		t.Errorf("stored LastMessageTimestamp = %d, want 3000", got.LastMessageTimestamp)
	}
	if !got.IsCached {
		t.Error("IsCached = false, want true")
	}
	if len(got.Participants) != 2 {
		t.Errorf("got %d participants, want 2", len(got.Participants))
	}

	// No messages: timestamp is zero.
	empty := conv("c2", []string{"alice", "carol"})
	if err := db.UpsertConversation(empty); err != nil {
		t.Fatal(err)
	}
	got, err = db.GetConversation("c2")
	if err != nil {
		t.Fatal(err)
	}
	if got.LastMessageTimestamp != 0 {
		t.Errorf("empty LastMessageTimestamp = %d, want 0", got.LastMessageTimestamp)
	}
}

func TestUpsertConversationKeepsLastRead(t *testing.T) {
	db := testDB(t)

	c := &Conversation{
		ID:           "c1",
		Participants: []Participant{{ID: "alice", LastReadAt: 500}, {ID: "bob", LastReadAt: 700}},
	}
	if err := db.UpsertConversation(c); err != nil {
		t.Fatal(err)
	}

	// Last write wins for participant markers too.
	c.Participants[1].LastReadAt = 900
	if err := db.UpsertConversation(c); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]int64{"alice": 500, "bob": 900}
	for _, p := range got.Participants {
		if want[p.ID] != p.LastReadAt {
			t.Errorf("%s LastReadAt = %d, want %d", p.ID, p.LastReadAt, want[p.ID])
		}
	}
}

func TestGetMessagesAscending(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertConversation(conv("c1", []string{"a", "b"}, 5000, 1000, 3000, 2000, 4000)); err != nil {
		t.Fatal(err)
	}
	msgs, err := db.GetMessages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 5 {
		t.Fatalf("got %d messages, want 5", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i-1].Timestamp > msgs[i].Timestamp {
			t.Errorf("messages not ascending at %d: %d > %d", i, msgs[i-1].Timestamp, msgs[i].Timestamp)
		}
	}
}

func TestGetMessagesUnknownConversation(t *testing.T) {
	db := testDB(t)

	msgs, err := db.GetMessages("missing")
	if err != nil {
		t.Fatal(err)
	}
	if msgs == nil || len(msgs) != 0 {
		t.Errorf("got %v, want empty non-nil slice", msgs)
	}
}

func TestUpsertConversationIdempotent(t *testing.T) {
	db := testDB(t)

	for i := 0; i < 2; i++ {
		if err := db.UpsertConversation(conv("c1", []string{"a", "b"}, 1000, 2000)); err != nil {
			t.Fatal(err)
		}
	}

	convs, err := db.ConversationCount()
	if err != nil {
		t.Fatal(err)
	}
	msgs, err := db.MessageCount()
	if err != nil {
		t.Fatal(err)
	}
	if convs != 1 || msgs != 2 {
		t.Errorf("got %d conversations / %d messages, want 1 / 2", convs, msgs)
	}
}

func TestUpsertMessage(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertConversation(conv("c1", []string{"a", "b"})); err != nil {
		t.Fatal(err)
	}
	m := &Message{ID: "m1", Timestamp: 1000, SenderID: "a", PayloadURL: "v1"}
	if err := db.UpsertMessage(m, "c1"); err != nil {
		t.Fatal(err)
	}
	m.PayloadURL = "v2"
	m.IsRead = true
	if err := db.UpsertMessage(m, "c1"); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.GetMessages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent upsert failed)", len(msgs))
	}
	if msgs[0].PayloadURL != "v2" || !msgs[0].IsRead {
		t.Errorf("message = %+v, want payload v2 and read", msgs[0])
	}
}

func TestUpsertMessageRequiresConversation(t *testing.T) {
	db := testDB(t)

	err := db.UpsertMessage(&Message{ID: "orphan", Timestamp: 1}, "missing")
	if err == nil {
		t.Fatal("expected foreign key error for orphan message")
	}
}

func TestGetRecentConversations(t *testing.T) {
	db := testDB(t)

	for i := 1; i <= 5; i++ {
		if err := db.UpsertConversation(conv(fmt.Sprintf("c%d", i), []string{"a", "b"}, int64(i*1000))); err != nil {
			t.Fatal(err)
		}
	}
	// c1 falls out of the cached set.
	if err := db.MarkCachedSet([]string{"c2", "c3", "c4", "c5"}); err != nil {
		t.Fatal(err)
	}

	convs, err := db.GetRecentConversations(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 3 {
		t.Fatalf("got %d conversations, want 3", len(convs))
	}
	wantOrder := []string{"c5", "c4", "c3"}
	for i, c := range convs {
		if c.ID != wantOrder[i] {
			t.Errorf("convs[%d] = %s, want %s", i, c.ID, wantOrder[i])
		}
		if !c.IsCached {
			t.Errorf("%s returned with IsCached=false", c.ID)
		}
		if len(c.Messages) != 1 {
			t.Errorf("%s has %d messages, want 1", c.ID, len(c.Messages))
		}
	}

	all, err := db.GetRecentConversations(100)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Errorf("got %d cached conversations, want 4 (c1 unmarked)", len(all))
	}
}

func TestMarkAndSweep(t *testing.T) {
	db := testDB(t)

	for _, id := range []string{"keep1", "keep2", "drop1", "drop2"} {
		if err := db.UpsertConversation(conv(id, []string{"a", "b"}, 1000, 2000)); err != nil {
			t.Fatal(err)
		}
	}

	if err := db.MarkCachedSet([]string{"keep1", "keep2"}); err != nil {
		t.Fatal(err)
	}
	swept, err := db.SweepUncached()
	if err != nil {
		t.Fatal(err)
	}
	if swept != 2 {
		t.Errorf("swept = %d, want 2", swept)
	}

	for _, id := range []string{"drop1", "drop2"} {
		c, err := db.GetConversation(id)
		if err != nil {
			t.Fatal(err)
		}
		if c != nil {
			t.Errorf("%s survived the sweep", id)
		}
		msgs, err := db.GetMessages(id)
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) != 0 {
			t.Errorf("%s left %d orphan messages", id, len(msgs))
		}
	}
	n, err := db.MessageCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Errorf("message count = %d, want 4", n)
	}
}

func TestEvictAtomic(t *testing.T) {
	db := testDB(t)

	for i := 0; i < 6; i++ {
		if err := db.UpsertConversation(conv(fmt.Sprintf("c%d", i), []string{"a", "b"}, int64(i))); err != nil {
			t.Fatal(err)
		}
	}
	swept, err := db.Evict([]string{"c0", "c5", "not-cached"})
	if err != nil {
		t.Fatal(err)
	}
	if swept != 4 {
		t.Errorf("swept = %d, want 4", swept)
	}
	n, err := db.ConversationCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("conversation count = %d, want 2", n)
	}

	// Empty set clears everything.
	if _, err := db.Evict(nil); err != nil {
		t.Fatal(err)
	}
	n, _ = db.ConversationCount()
	if n != 0 {
		t.Errorf("conversation count after Evict(nil) = %d, want 0", n)
	}
}

func TestAppendCachedMessage(t *testing.T) {
	db := testDB(t)

	for _, id := range []string{"c1", "c2"} {
		if err := db.UpsertConversation(conv(id, []string{"a", "b"}, 1000)); err != nil {
			t.Fatal(err)
		}
	}

	ok, err := db.AppendCachedMessage(&Message{ID: "sent", Timestamp: 5000, SenderID: "a"}, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("append to cached conversation was skipped")
	}
	c, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.LastMessageTimestamp != 5000 || len(c.Messages) != 2 {
		t.Errorf("c1 = ts %d / %d messages, want 5000 / 2", c.LastMessageTimestamp, len(c.Messages))
	}

	// An evicted conversation stays evicted.
	if _, err := db.Evict([]string{"c1"}); err != nil {
		t.Fatal(err)
	}
	ok, err = db.AppendCachedMessage(&Message{ID: "late", Timestamp: 6000, SenderID: "a"}, "c2")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("append revived an evicted conversation")
	}
	c, err = db.GetConversation("c2")
	if err != nil {
		t.Fatal(err)
	}
	if c != nil {
		t.Errorf("c2 = %+v, want nil", c)
	}
	n, err := db.ConversationCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("conversation count = %d, want 1", n)
	}
}

func TestAssignPendingMessageIDKeepsFirst(t *testing.T) {
	db := testDB(t)

	if err := db.InsertPending(&PendingMessage{LocalID: "l1", ConversationID: "c1", PayloadRef: "/a"}); err != nil {
		t.Fatal(err)
	}
	id, err := db.AssignPendingMessageID("l1", "first")
	if err != nil {
		t.Fatal(err)
	}
	if id != "first" {
		t.Errorf("id = %q, want first", id)
	}
	id, err = db.AssignPendingMessageID("l1", "second")
	if err != nil {
		t.Fatal(err)
	}
	if id != "first" {
		t.Errorf("id after reassign = %q, want first", id)
	}
	got, err := db.GetPending("l1")
	if err != nil {
		t.Fatal(err)
	}
	if got.MessageID != "first" {
		t.Errorf("stored message id = %q, want first", got.MessageID)
	}

	if _, err := db.AssignPendingMessageID("missing", "x"); !errors.Is(err, ErrPendingNotFound) {
		t.Errorf("err = %v, want ErrPendingNotFound", err)
	}
}

func TestProfile(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertProfile(&Profile{UID: "u1", Name: "Ana", ShortCode: "ANA1"}); err != nil {
		t.Fatal(err)
	}
	// Last write wins, including blanking fields.
	if err := db.UpsertProfile(&Profile{UID: "u1", Name: "Ana Maria"}); err != nil {
		t.Fatal(err)
	}
	p, err := db.GetProfile("u1")
	if err != nil {
		t.Fatal(err)
	}
	if p == nil || p.Name != "Ana Maria" || p.ShortCode != "" {
		t.Errorf("got %+v, want Name=Ana Maria ShortCode empty", p)
	}

	missing, err := db.GetProfile("nobody")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Errorf("expected nil for missing profile, got %+v", missing)
	}
}

func TestBulkUpsertProfiles(t *testing.T) {
	db := testDB(t)

	profiles := []Profile{{UID: "u1", Name: "One"}, {UID: "u2", Name: "Two"}, {UID: "u1", Name: "One again"}}
	if err := db.BulkUpsertProfiles(profiles); err != nil {
		t.Fatal(err)
	}
	p, err := db.GetProfile("u1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Name != "One again" {
		t.Errorf("name = %q, want One again", p.Name)
	}
}

func TestMeta(t *testing.T) {
	db := testDB(t)

	if _, ok, err := db.GetMeta("schema"); err != nil || ok {
		t.Fatalf("GetMeta(unset) = ok %v, err %v; want false, nil", ok, err)
	}
	if err := db.SetMeta("schema", "1"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetMeta("schema", "2"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := db.GetMeta("schema")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || v != "2" {
		t.Errorf("GetMeta = %q, %v; want 2, true", v, ok)
	}
}

func TestPendingLifecycle(t *testing.T) {
	db := testDB(t)

	for i, id := range []string{"l1", "l2"} {
		if err := db.InsertPending(&PendingMessage{LocalID: id, ConversationID: "c1", PayloadRef: "/tmp/" + id, Timestamp: int64(1000 + i)}); err != nil {
			t.Fatal(err)
		}
	}

	pending, err := db.ListPending()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 || pending[0].LocalID != "l1" {
		t.Fatalf("got %+v, want l1 first of 2", pending)
	}
	if pending[0].Status != StatusPending || pending[0].LastError != "" {
		t.Errorf("fresh row = %+v, want pending without error", pending[0])
	}

	if err := db.MarkPendingSending("l1"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkPendingFailed("l1", "upload: timeout", 1, StatusFailed, 5000); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetPending("l1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusFailed || got.RetryCount != 1 || got.LastError != "upload: timeout" {
		t.Errorf("failed row = %+v", got)
	}

	// Not due yet at 4000, due at 5000.
	due, err := db.DrainablePending(4000)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].LocalID != "l2" {
		t.Errorf("due at 4000 = %+v, want only l2", due)
	}
	due, err = db.DrainablePending(5000)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 2 || due[0].LocalID != "l1" {
		t.Errorf("due at 5000 = %+v, want l1 then l2", due)
	}

	next, ok, err := db.NextFutureRetryAt(4000)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || next != 5000 {
		t.Errorf("NextFutureRetryAt(4000) = %d, %v; want 5000, true", next, ok)
	}
	// Once due, the row is no longer a future retry.
	if _, ok, err := db.NextFutureRetryAt(5000); err != nil || ok {
		t.Errorf("NextFutureRetryAt(5000) ok = %v, err = %v; want false, nil", ok, err)
	}

	count, err := db.PendingCount()
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("PendingCount = %d, want 2", count)
	}
}

func TestDeletePendingMessageRemovesOneRow(t *testing.T) {
	db := testDB(t)

	for _, id := range []string{"l1", "l2", "l3"} {
		if err := db.InsertPending(&PendingMessage{LocalID: id, ConversationID: "c1", PayloadRef: id}); err != nil {
			t.Fatal(err)
		}
	}
	deleted, err := db.DeletePendingMessage("l2")
	if err != nil {
		t.Fatal(err)
	}
	if !deleted {
		t.Error("DeletePendingMessage(l2) reported no row")
	}
	deleted, err = db.DeletePendingMessage("l2")
	if err != nil {
		t.Fatal(err)
	}
	if deleted {
		t.Error("second delete should report no row")
	}
	rows, _ := db.ListPending()
	if len(rows) != 2 {
		t.Errorf("got %d rows, want 2", len(rows))
	}
}

func TestPermanentlyFailedExcludedFromCountAndDrain(t *testing.T) {
	db := testDB(t)

	if err := db.InsertPending(&PendingMessage{LocalID: "l1", ConversationID: "c1", PayloadRef: "r"}); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkPendingFailed("l1", "gone", 8, StatusPermanentlyFailed, 0); err != nil {
		t.Fatal(err)
	}

	count, _ := db.PendingCount()
	perm, _ := db.PermanentlyFailedCount()
	if count != 0 || perm != 1 {
		t.Errorf("pending/permanent = %d/%d, want 0/1", count, perm)
	}
	due, _ := db.DrainablePending(1 << 62)
	if len(due) != 0 {
		t.Errorf("permanently failed row is drainable: %+v", due)
	}

	ok, err := db.RetryPending("l1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("RetryPending reported no row")
	}
	got, _ := db.GetPending("l1")
	if got.Status != StatusPending || got.RetryCount != 0 {
		t.Errorf("after retry = %+v, want pending with 0 retries", got)
	}
}

func TestMarkPendingFailedRejectsOtherStatus(t *testing.T) {
	db := testDB(t)
	if err := db.MarkPendingFailed("l1", "x", 1, StatusSending, 0); err == nil {
		t.Error("expected error for non-failure status")
	}
}

func TestRecoverInterrupted(t *testing.T) {
	db := testDB(t)

	if err := db.InsertPending(&PendingMessage{LocalID: "l1", ConversationID: "c1", PayloadRef: "r"}); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkPendingSending("l1"); err != nil {
		t.Fatal(err)
	}
	n, err := db.RecoverInterrupted()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("recovered %d, want 1", n)
	}
	got, _ := db.GetPending("l1")
	if got.Status != StatusFailed || got.LastError != "interrupted" || got.RetryCount != 1 {
		t.Errorf("recovered row = %+v", got)
	}
}

func TestClearAll(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertConversation(conv("c1", []string{"a", "b"}, 1)); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertProfile(&Profile{UID: "u"}); err != nil {
		t.Fatal(err)
	}
	if err := db.InsertPending(&PendingMessage{LocalID: "l", ConversationID: "c1", PayloadRef: "r"}); err != nil {
		t.Fatal(err)
	}
	if err := db.SetMeta("k", "v"); err != nil {
		t.Fatal(err)
	}

	if err := db.ClearAll(); err != nil {
		t.Fatal(err)
	}

	convs, _ := db.ConversationCount()
	msgs, _ := db.MessageCount()
	pending, _ := db.ListPending()
	p, _ := db.GetProfile("u")
	_, ok, _ := db.GetMeta("k")
	if convs != 0 || msgs != 0 || len(pending) != 0 || p != nil || ok {
		t.Errorf("ClearAll left data: convs=%d msgs=%d pending=%d profile=%v meta=%v", convs, msgs, len(pending), p, ok)
	}
}
