package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fieldline/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Workflow.InitialStatus != "BROUILLON" {
		t.Fatalf("initial status = %s", cfg.Workflow.InitialStatus)
	}
	if len(cfg.Workflow.Transitions) != 9 {
		t.Fatalf("transitions = %d, want 9", len(cfg.Workflow.Transitions))
	}
	if !cfg.IsTerminal("TERMINÉE") || !cfg.IsTerminal("ANNULÉE") || cfg.IsTerminal("BLOQUÉE") {
		t.Fatal("terminal statuses wrong")
	}
	if cfg.Idempotency.TTLHours != 24 || cfg.Notifications.TTLHours != 72 {
		t.Fatalf("ttl defaults = %d/%d", cfg.Idempotency.TTLHours, cfg.Notifications.TTLHours)
	}
}

func TestGeneratedDefaultRoundTrips(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault()))
	if err != nil {
		t.Fatalf("generated template does not parse: %v", err)
	}
	if len(cfg.Rules()) != len(config.Default().Rules()) {
		t.Fatal("template and Default disagree")
	}
}

func TestLoadOptionalFallsBackToDefault(t *testing.T) {
	cfg, err := config.LoadOptional(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Workflow.InitialStatus != "BROUILLON" {
		t.Fatalf("fallback config = %+v", cfg.Workflow)
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "fieldline.yml"), []byte("workflow:\n  statuses: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := config.LoadOptional(dir); err == nil {
		t.Fatal("broken config file must not be silently replaced by defaults")
	}
}

func TestValidateRejectsBadGraphs(t *testing.T) {
	mutations := []struct {
		name    string
		mutate  func(*config.Config)
		wantMsg string
	}{
		{
			name: "terminal status with outgoing rule",
			mutate: func(c *config.Config) {
				c.Workflow.Transitions = append(c.Workflow.Transitions, config.TransitionConfig{
					From: "TERMINÉE", To: "EN_COURS", Roles: []string{"admin"}, Description: "réouverture",
				})
			},
			wantMsg: "terminal",
		},
		{
			name: "duplicate edge",
			mutate: func(c *config.Config) {
				c.Workflow.Transitions = append(c.Workflow.Transitions, c.Workflow.Transitions[0])
			},
			wantMsg: "duplicate transition",
		},
		{
			name: "unknown from status",
			mutate: func(c *config.Config) {
				c.Workflow.Transitions = append(c.Workflow.Transitions, config.TransitionConfig{
					From: "INCONNU", To: "PUBLIÉE", Roles: []string{"admin"}, Description: "x",
				})
			},
			wantMsg: "unknown from status",
		},
		{
			name: "edge without roles",
			mutate: func(c *config.Config) {
				c.Workflow.Transitions[0].Roles = nil
			},
			wantMsg: "roles required",
		},
		{
			name: "effect on unknown field",
			mutate: func(c *config.Config) {
				c.Workflow.Transitions[0].Effects = append(c.Workflow.Transitions[0].Effects, config.EffectConfig{
					Op: "set_now", Field: "pas_un_champ",
				})
			},
			wantMsg: "unknown mission field",
		},
		{
			name: "increment on timestamp field",
			mutate: func(c *config.Config) {
				c.Workflow.Transitions[0].Effects = append(c.Workflow.Transitions[0].Effects, config.EffectConfig{
					Op: "increment", Field: "published_at", Delta: 1,
				})
			},
			wantMsg: "counter field",
		},
		{
			name: "inverted business hours",
			mutate: func(c *config.Config) {
				c.BusinessHours.StartHour = 19
				c.BusinessHours.EndHour = 8
			},
			wantMsg: "start_hour must be before end_hour",
		},
		{
			name: "unknown weekday",
			mutate: func(c *config.Config) {
				c.BusinessHours.Weekdays = []string{"Lun"}
			},
			wantMsg: "unknown weekday",
		},
		{
			name: "risk threshold on unknown status",
			mutate: func(c *config.Config) {
				c.Risk.MaxHoursInStatus["INCONNU"] = 10
			},
			wantMsg: "unknown status",
		},
	}
	for _, tc := range mutations {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantMsg) {
				t.Fatalf("error %q does not mention %q", err, tc.wantMsg)
			}
		})
	}
}

func TestWindowConversion(t *testing.T) {
	w := config.Default().Window()
	if w.StartHour != 8 || w.EndHour != 19 {
		t.Fatalf("window hours = %d..%d", w.StartHour, w.EndHour)
	}
	if !w.Weekdays[time.Monday] || !w.Weekdays[time.Friday] {
		t.Fatal("weekdays missing Mon or Fri")
	}
	if w.Weekdays[time.Saturday] || w.Weekdays[time.Sunday] {
		t.Fatal("weekend must be outside the window")
	}
}
