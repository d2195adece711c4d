package monitor_test

import (
	"context"
	"testing"
	"time"

	"fieldline/internal/audit"
	"fieldline/internal/config"
	"fieldline/internal/db"
	"fieldline/internal/domain"
	"fieldline/internal/migrate"
	"fieldline/internal/monitor"
	"fieldline/internal/workflow"
)

// Monday 2025-11-10 10:00 Paris.
var base = time.Date(2025, 11, 10, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine  workflow.Engine
	Monitor monitor.Service
	Ctx     context.Context
}

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
	eng.Now = func() time.Time { return base }
	return testEnv{Engine: eng, Monitor: monitor.New(eng), Ctx: context.Background()}
}

func createMission(t *testing.T, env testEnv, opts workflow.MissionCreateOptions) domain.Mission {
	t.Helper()
	if opts.ClientName == "" {
		opts.ClientName = "Client Test"
	}
	opts.ActorID = "plan-1"
	opts.ActorRole = "planificateur"
	m, err := env.Engine.CreateMission(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create mission: %v", err)
	}
	return m
}

func apply(t *testing.T, env testEnv, id, target, role string) {
	t.Helper()
	if _, err := env.Engine.ApplyTransition(env.Ctx, workflow.TransitionOptions{
		MissionID: id, TargetStatus: target, ActorID: "actor-" + role, ActorRole: role,
	}); err != nil {
		t.Fatalf("transition to %s: %v", target, err)
	}
}

func TestRiskScoreTerminalIsZero(t *testing.T) {
	env := newTestEnv(t)
	m := createMission(t, env, workflow.MissionCreateOptions{Description: "ras"})
	apply(t, env, m.ID, "ANNULÉE", "planificateur")

	report, err := env.Monitor.RiskScore(env.Ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if report.Score != 0 || len(report.Factors) != 0 {
		t.Fatalf("terminal mission scored %d with factors %+v", report.Score, report.Factors)
	}
}

func TestRiskScoreAccumulatesFactors(t *testing.T) {
	env := newTestEnv(t)
	scheduled := base.Add(time.Hour).Format(time.RFC3339)
	m := createMission(t, env, workflow.MissionCreateOptions{ScheduledAt: scheduled})

	// 200h later: stuck in BROUILLON (threshold 168h), scheduled slot long
	// past, still no description.
	env.Monitor.Now = func() time.Time { return base.Add(200 * time.Hour) }
	report, err := env.Monitor.RiskScore(env.Ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := 40 + 20 + 8
	if report.Score != want {
		t.Fatalf("score = %d, want %d (factors %+v)", report.Score, want, report.Factors)
	}
	codes := map[string]bool{}
	for _, f := range report.Factors {
		codes[f.Code] = true
	}
	for _, c := range []string{"stuck", "overdue", "missing_description"} {
		if !codes[c] {
			t.Fatalf("missing factor %s in %+v", c, report.Factors)
		}
	}
}

func TestRiskScoreIsClamped(t *testing.T) {
	env := newTestEnv(t)
	m := createMission(t, env, workflow.MissionCreateOptions{})

	cfg := config.Default()
	cfg.Risk.Weights.Stuck = 95
	cfg.Risk.Weights.MissingDescription = 20
	svc := env.Monitor
	svc.Config = cfg
	svc.Now = func() time.Time { return base.Add(200 * time.Hour) }

	report, err := svc.RiskScore(env.Ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if report.Score != 100 {
		t.Fatalf("score = %d, want clamp at 100", report.Score)
	}
}

func TestDetectAnomalies(t *testing.T) {
	env := newTestEnv(t)
	stuck := createMission(t, env, workflow.MissionCreateOptions{Description: "mission figée"})
	published := createMission(t, env, workflow.MissionCreateOptions{Description: "sans suite", AssigneeID: "tech-1"})
	apply(t, env, published.ID, "PUBLIÉE", "planificateur")

	scanNow := base.Add(200 * time.Hour)
	env.Monitor.Now = func() time.Time { return scanNow }

	// Three forbidden attempts inside the scan window.
	w := audit.Writer{DB: env.Engine.DB}
	for i := 0; i < 3; i++ {
		if err := w.Append(env.Ctx, nil, domain.WorkflowLogEntry{
			MissionID: stuck.ID, FromStatus: "BROUILLON", ToStatus: "PUBLIÉE",
			ActorID: "tech-1", ActorRole: "technicien", Success: false, ErrorCode: workflow.CodeForbidden,
			TS: scanNow.Add(-time.Hour).Format(time.RFC3339),
		}); err != nil {
			t.Fatal(err)
		}
	}

	anomalies, err := env.Monitor.DetectAnomalies(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	byType := map[string]int{}
	for _, a := range anomalies {
		byType[a.AnomalyType]++
	}
	if byType["stuck_in_status"] == 0 {
		t.Fatalf("expected stuck_in_status anomaly, got %+v", anomalies)
	}
	if byType["repeated_forbidden_attempts"] != 1 {
		t.Fatalf("expected one repeated_forbidden_attempts anomaly, got %+v", anomalies)
	}
	if byType["missing_followup"] != 1 {
		t.Fatalf("expected one missing_followup anomaly, got %+v", anomalies)
	}
}

func TestDailyStats(t *testing.T) {
	env := newTestEnv(t)
	done := createMission(t, env, workflow.MissionCreateOptions{Description: "à terminer", AssigneeID: "tech-1"})
	createMission(t, env, workflow.MissionCreateOptions{Description: "en attente"})
	apply(t, env, done.ID, "PUBLIÉE", "planificateur")
	apply(t, env, done.ID, "CONFIRMÉE", "planificateur")
	apply(t, env, done.ID, "EN_COURS", "technicien")
	apply(t, env, done.ID, "TERMINÉE", "technicien")

	stats, err := env.Monitor.DailyStats(env.Ctx, base)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Date != "2025-11-10" {
		t.Fatalf("date = %s", stats.Date)
	}
	if stats.Missions != 2 {
		t.Fatalf("missions = %d, want 2", stats.Missions)
	}
	if stats.Reports != 1 || stats.Billing != 1 {
		t.Fatalf("reports/billing = %d/%d, want 1/1", stats.Reports, stats.Billing)
	}
	if stats.Notifications == 0 {
		t.Fatal("expected notifications counted")
	}

	// A day with no activity is all zeroes.
	empty, err := env.Monitor.DailyStats(env.Ctx, base.AddDate(0, 0, 7))
	if err != nil {
		t.Fatal(err)
	}
	if empty.Missions != 0 || empty.Reports != 0 || empty.Notifications != 0 {
		t.Fatalf("empty day stats = %+v", empty)
	}
}

func TestSnapshot(t *testing.T) {
	env := newTestEnv(t)
	blocked := createMission(t, env, workflow.MissionCreateOptions{Description: "blocage", AssigneeID: "tech-1"})
	createMission(t, env, workflow.MissionCreateOptions{Description: "brouillon"})
	apply(t, env, blocked.ID, "PUBLIÉE", "planificateur")
	apply(t, env, blocked.ID, "CONFIRMÉE", "planificateur")
	apply(t, env, blocked.ID, "EN_COURS", "technicien")
	apply(t, env, blocked.ID, "BLOQUÉE", "technicien")

	snap, err := env.Monitor.Snapshot(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if snap.MissionsActive != 2 {
		t.Fatalf("active = %d, want 2", snap.MissionsActive)
	}
	if snap.MissionsPaused != 1 {
		t.Fatalf("paused = %d, want 1", snap.MissionsPaused)
	}
	if snap.MissionsToday != 2 {
		t.Fatalf("today = %d, want 2", snap.MissionsToday)
	}
	if snap.NotificationsPending == 0 {
		t.Fatal("expected pending notifications")
	}
	if snap.LogEntries == 0 || snap.IdempotencyCacheSize == 0 {
		t.Fatalf("counters = %+v", snap)
	}
}
