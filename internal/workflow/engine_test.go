package workflow_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"fieldline/internal/config"
	"fieldline/internal/db"
	"fieldline/internal/migrate"
	"fieldline/internal/repo"
	"fieldline/internal/workflow"
)

type testEnv struct {
	Engine workflow.Engine
	Ctx    context.Context
}

// Monday 2025-11-10 10:00 Paris, inside the default business-hours window.
var testNow = time.Date(2025, 11, 10, 9, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng, err := workflow.New(conn, config.Default())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	eng.Now = func() time.Time { return testNow }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func createMission(t *testing.T, env testEnv) string {
	t.Helper()
	m, err := env.Engine.CreateMission(env.Ctx, workflow.MissionCreateOptions{
		ClientName:  "Société Durand",
		SiteAddress: "12 rue des Lilas, Lyon",
		Description: "Remplacement chaudière",
		AssigneeID:  "tech-1",
		ActorID:     "plan-1",
		ActorRole:   "planificateur",
	})
	if err != nil {
		t.Fatalf("create mission: %v", err)
	}
	if m.Status != "BROUILLON" {
		t.Fatalf("initial status = %s, want BROUILLON", m.Status)
	}
	return m.ID
}

func apply(t *testing.T, env testEnv, id, target, role string) {
	t.Helper()
	res, err := env.Engine.ApplyTransition(env.Ctx, workflow.TransitionOptions{
		MissionID:    id,
		TargetStatus: target,
		ActorID:      "actor-" + role,
		ActorRole:    role,
	})
	if err != nil {
		t.Fatalf("transition to %s as %s: %v", target, role, err)
	}
	if res.Mission.Status != target {
		t.Fatalf("status = %s, want %s", res.Mission.Status, target)
	}
}

func TestLegalPathAppliesEffects(t *testing.T) {
	env := newTestEnv(t)
	id := createMission(t, env)

	apply(t, env, id, "PUBLIÉE", "planificateur")
	apply(t, env, id, "CONFIRMÉE", "planificateur")
	apply(t, env, id, "EN_COURS", "technicien")
	apply(t, env, id, "TERMINÉE", "technicien")

	m, err := env.Engine.Repo.GetMission(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if m.PublishedAt == nil || m.ConfirmedAt == nil || m.StartedAt == nil || m.CompletedAt == nil {
		t.Fatalf("expected all milestone timestamps set, got %+v", m)
	}
	if m.Version != 5 {
		t.Fatalf("version = %d, want 5 (create + four transitions)", m.Version)
	}
	entries, err := env.Engine.Timeline(env.Ctx, id, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 5 {
		t.Fatalf("timeline entries = %d, want 5", len(entries))
	}
	for _, e := range entries {
		if !e.Success {
			t.Fatalf("unexpected failure entry: %+v", e)
		}
	}
	if entries[4].FromStatus != "EN_COURS" || entries[4].ToStatus != "TERMINÉE" {
		t.Fatalf("last entry = %s -> %s", entries[4].FromStatus, entries[4].ToStatus)
	}
}

func TestCreateMissionDedupesDoubleSubmit(t *testing.T) {
	env := newTestEnv(t)
	opts := workflow.MissionCreateOptions{
		ClientName:  "Société Durand",
		Description: "Entretien annuel",
		AssigneeID:  "tech-1",
		ActorID:     "plan-1",
		ActorRole:   "planificateur",
	}
	first, err := env.Engine.CreateMission(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := env.Engine.CreateMission(env.Ctx, opts)
	if err != nil {
		t.Fatalf("retry create: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("double submit created a second mission: %s vs %s", first.ID, second.ID)
	}
	missions, err := env.Engine.Repo.ListMissions(env.Ctx, repo.MissionFilters{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(missions) != 1 {
		t.Fatalf("missions = %d, want 1", len(missions))
	}
	entries, err := env.Engine.Timeline(env.Ctx, first.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("timeline entries = %d, want a single creation entry", len(entries))
	}

	// A different payload is a different request.
	opts.Description = "Entretien semestriel"
	third, err := env.Engine.CreateMission(env.Ctx, opts)
	if err != nil {
		t.Fatal(err)
	}
	if third.ID == first.ID {
		t.Fatal("distinct payload must create a distinct mission")
	}
}

func TestInvalidTransitionRejectedAndLogged(t *testing.T) {
	env := newTestEnv(t)
	id := createMission(t, env)

	_, err := env.Engine.ApplyTransition(env.Ctx, workflow.TransitionOptions{
		MissionID: id, TargetStatus: "TERMINÉE", ActorID: "plan-1", ActorRole: "planificateur",
	})
	var invalid workflow.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if invalid.From != "BROUILLON" || invalid.To != "TERMINÉE" {
		t.Fatalf("error edge = %s -> %s", invalid.From, invalid.To)
	}

	m, err := env.Engine.Repo.GetMission(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != "BROUILLON" || m.Version != 1 {
		t.Fatalf("mission mutated by rejected transition: %+v", m)
	}
	entries, err := env.Engine.Timeline(env.Ctx, id, 0)
	if err != nil {
		t.Fatal(err)
	}
	last := entries[len(entries)-1]
	if last.Success || last.ErrorCode != workflow.CodeInvalidTransition {
		t.Fatalf("expected failure entry with code %s, got %+v", workflow.CodeInvalidTransition, last)
	}
}

func TestSelfTransitionRejected(t *testing.T) {
	env := newTestEnv(t)
	id := createMission(t, env)

	_, err := env.Engine.ApplyTransition(env.Ctx, workflow.TransitionOptions{
		MissionID: id, TargetStatus: "BROUILLON", ActorID: "plan-1", ActorRole: "planificateur",
	})
	var invalid workflow.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError for self-transition, got %v", err)
	}
}

func TestRoleForbidden(t *testing.T) {
	env := newTestEnv(t)
	id := createMission(t, env)

	_, err := env.Engine.ApplyTransition(env.Ctx, workflow.TransitionOptions{
		MissionID: id, TargetStatus: "PUBLIÉE", ActorID: "tech-1", ActorRole: "technicien",
	})
	var forbidden workflow.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
	entries, _ := env.Engine.Timeline(env.Ctx, id, 0)
	last := entries[len(entries)-1]
	if last.Success || last.ErrorCode != workflow.CodeForbidden {
		t.Fatalf("expected forbidden failure entry, got %+v", last)
	}
}

func TestBusinessHoursGate(t *testing.T) {
	env := newTestEnv(t)
	id := createMission(t, env)
	apply(t, env, id, "PUBLIÉE", "planificateur")

	// Saturday is outside the Mon-Fri window.
	_, err := env.Engine.ApplyTransition(env.Ctx, workflow.TransitionOptions{
		MissionID: id, TargetStatus: "CONFIRMÉE", ActorID: "plan-1", ActorRole: "planificateur",
		At: "2025-11-08 10:00",
	})
	var outside workflow.OutsideBusinessHoursError
	if !errors.As(err, &outside) {
		t.Fatalf("expected OutsideBusinessHoursError, got %v", err)
	}

	// Same request inside the window passes.
	res, err := env.Engine.ApplyTransition(env.Ctx, workflow.TransitionOptions{
		MissionID: id, TargetStatus: "CONFIRMÉE", ActorID: "plan-1", ActorRole: "planificateur",
		At: "2025-11-10 14:00",
	})
	if err != nil {
		t.Fatalf("confirm inside window: %v", err)
	}
	if res.Mission.ConfirmedAt == nil {
		t.Fatal("confirmed_at not set")
	}
}

func TestIdempotentRetryReturnsCachedOutcome(t *testing.T) {
	env := newTestEnv(t)
	id := createMission(t, env)

	opts := workflow.TransitionOptions{
		MissionID: id, TargetStatus: "PUBLIÉE", ActorID: "plan-1", ActorRole: "planificateur",
		Reason: "go",
	}
	first, err := env.Engine.ApplyTransition(env.Ctx, opts)
	if err != nil {
		t.Fatal(err)
	}
	if first.Cached {
		t.Fatal("first call must not be cached")
	}
	second, err := env.Engine.ApplyTransition(env.Ctx, opts)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !second.Cached {
		t.Fatal("retry should hit the idempotency cache")
	}
	if second.Mission.Version != first.Mission.Version || second.Mission.Status != first.Mission.Status {
		t.Fatalf("cached outcome differs: %+v vs %+v", second.Mission, first.Mission)
	}

	// No duplicate log entry and no double effect.
	entries, _ := env.Engine.Timeline(env.Ctx, id, 0)
	if len(entries) != 2 {
		t.Fatalf("timeline entries = %d, want 2 (create + publish)", len(entries))
	}
	m, _ := env.Engine.Repo.GetMission(env.Ctx, id)
	if m.Version != 2 {
		t.Fatalf("version = %d, want 2", m.Version)
	}
}

func TestDifferentParamsAreDifferentRequests(t *testing.T) {
	env := newTestEnv(t)
	id := createMission(t, env)

	if _, err := env.Engine.ApplyTransition(env.Ctx, workflow.TransitionOptions{
		MissionID: id, TargetStatus: "PUBLIÉE", ActorID: "plan-1", ActorRole: "planificateur",
		Reason: "première vague",
	}); err != nil {
		t.Fatal(err)
	}
	// A different reason is a new request, evaluated against the new state.
	_, err := env.Engine.ApplyTransition(env.Ctx, workflow.TransitionOptions{
		MissionID: id, TargetStatus: "PUBLIÉE", ActorID: "plan-1", ActorRole: "planificateur",
		Reason: "deuxième vague",
	})
	var invalid workflow.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError on re-publish, got %v", err)
	}
}

func TestBlockAndResume(t *testing.T) {
	env := newTestEnv(t)
	id := createMission(t, env)
	apply(t, env, id, "PUBLIÉE", "planificateur")
	apply(t, env, id, "CONFIRMÉE", "planificateur")
	apply(t, env, id, "EN_COURS", "technicien")

	res, err := env.Engine.ApplyTransition(env.Ctx, workflow.TransitionOptions{
		MissionID: id, TargetStatus: "BLOQUÉE", ActorID: "tech-1", ActorRole: "technicien",
		Reason: "pièce manquante",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Mission.BlockedReason == nil || *res.Mission.BlockedReason != "pièce manquante" {
		t.Fatalf("blocked_reason = %v", res.Mission.BlockedReason)
	}
	if res.Mission.Revisits != 1 {
		t.Fatalf("revisits = %d, want 1", res.Mission.Revisits)
	}
	// Blocking notifies the dispatch desk.
	pending, err := env.Engine.Notify.Pending(env.Ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, n := range pending {
		if n.MissionID == id && n.Recipient == "planification" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected planner notification, pending = %+v", pending)
	}

	res, err = env.Engine.ApplyTransition(env.Ctx, workflow.TransitionOptions{
		MissionID: id, TargetStatus: "EN_COURS", ActorID: "tech-1", ActorRole: "technicien",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Mission.BlockedReason != nil {
		t.Fatalf("blocked_reason should be cleared, got %v", *res.Mission.BlockedReason)
	}
}

func TestTerminalStatusHasNoExit(t *testing.T) {
	env := newTestEnv(t)
	id := createMission(t, env)
	apply(t, env, id, "ANNULÉE", "planificateur")

	for _, target := range []string{"BROUILLON", "PUBLIÉE", "EN_COURS"} {
		_, err := env.Engine.ApplyTransition(env.Ctx, workflow.TransitionOptions{
			MissionID: id, TargetStatus: target, ActorID: "admin-1", ActorRole: "admin",
		})
		var invalid workflow.InvalidTransitionError
		if !errors.As(err, &invalid) {
			t.Fatalf("ANNULÉE -> %s: expected InvalidTransitionError, got %v", target, err)
		}
	}
}
