package notify_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"fieldline/internal/db"
	"fieldline/internal/domain"
	"fieldline/internal/migrate"
	"fieldline/internal/notify"
)

var base = time.Date(2025, 11, 10, 9, 0, 0, 0, time.UTC)

func newQueue(t *testing.T) (notify.Queue, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	q := notify.Queue{DB: conn, TTL: 72 * time.Hour}
	q.Now = func() time.Time { return base }
	return q, context.Background()
}

func enqueue(t *testing.T, q notify.Queue, ctx context.Context, n domain.Notification) domain.Notification {
	t.Helper()
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	out, err := q.EnqueueTx(ctx, tx, n)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestEnqueueAndMark(t *testing.T) {
	q, ctx := newQueue(t)
	n := enqueue(t, q, ctx, domain.Notification{MissionID: "m-1", Recipient: "tech-1", Subject: "Mission publiée"})
	if n.Status != "pending" || n.Channel != "log" {
		t.Fatalf("defaults not applied: %+v", n)
	}

	pending, err := q.Pending(ctx, 10)
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending = %d (%v), want 1", len(pending), err)
	}
	if err := q.MarkSent(ctx, n.ID); err != nil {
		t.Fatal(err)
	}
	pending, _ = q.Pending(ctx, 10)
	if len(pending) != 0 {
		t.Fatalf("pending after sent = %d", len(pending))
	}
	// MarkSent only applies to pending rows.
	if err := q.MarkSent(ctx, n.ID); err != nil {
		t.Fatalf("second MarkSent: %v", err)
	}
}

func TestCleanupExpired(t *testing.T) {
	q, ctx := newQueue(t)
	stale := enqueue(t, q, ctx, domain.Notification{MissionID: "m-1", Recipient: "tech-1", Subject: "ancienne"})
	if err := q.MarkSent(ctx, stale.ID); err != nil {
		t.Fatal(err)
	}
	enqueue(t, q, ctx, domain.Notification{MissionID: "m-1", Recipient: "tech-2", Subject: "jamais livrée"})

	// Past the TTL: the pending row is failed, then both expired rows purged.
	q.Now = func() time.Time { return base.Add(100 * time.Hour) }
	res, err := q.CleanupExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.FailedCount != 1 {
		t.Fatalf("failed = %d, want 1", res.FailedCount)
	}
	if res.DeletedCount != 2 {
		t.Fatalf("deleted = %d, want 2", res.DeletedCount)
	}
	res, err = q.CleanupExpired(ctx)
	if err != nil || res.DeletedCount != 0 || res.FailedCount != 0 {
		t.Fatalf("second sweep = %+v (%v), want zeroes", res, err)
	}
}

func TestDispatcherRoutesAndMarks(t *testing.T) {
	q, ctx := newQueue(t)
	enqueue(t, q, ctx, domain.Notification{MissionID: "m-1", Recipient: "tech-1", Subject: "via log"})
	enqueue(t, q, ctx, domain.Notification{MissionID: "m-1", Recipient: "tech-2", Channel: "webhook", Subject: "via webhook"})

	// No webhook configured: the webhook channel falls back to the log sender.
	d := notify.NewDispatcher(q, "", zerolog.Nop())
	res, err := d.DispatchPending(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if res.Sent != 2 || res.Failed != 0 {
		t.Fatalf("dispatch = %+v, want 2 sent", res)
	}
	pending, _ := q.Pending(ctx, 10)
	if len(pending) != 0 {
		t.Fatalf("pending after dispatch = %d", len(pending))
	}
}

func TestCountPendingAndCreated(t *testing.T) {
	q, ctx := newQueue(t)
	enqueue(t, q, ctx, domain.Notification{MissionID: "m-1", Recipient: "tech-1", Subject: "a"})
	enqueue(t, q, ctx, domain.Notification{MissionID: "m-2", Recipient: "tech-2", Subject: "b"})

	n, err := q.CountPending(ctx)
	if err != nil || n != 2 {
		t.Fatalf("pending = %d (%v), want 2", n, err)
	}
	n, err = q.CountCreated(ctx, base.Add(-time.Hour), base.Add(time.Hour))
	if err != nil || n != 2 {
		t.Fatalf("created = %d (%v), want 2", n, err)
	}
	n, _ = q.CountCreated(ctx, base.Add(time.Hour), base.Add(2*time.Hour))
	if n != 0 {
		t.Fatalf("created outside range = %d, want 0", n)
	}
}
