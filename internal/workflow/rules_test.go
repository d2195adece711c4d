package workflow_test

import (
	"testing"

	"fieldline/internal/config"
	"fieldline/internal/domain"
	"fieldline/internal/workflow"
)

func defaultTable(t *testing.T) *workflow.Table {
	t.Helper()
	cfg := config.Default()
	table, err := workflow.NewTable(cfg.Workflow.InitialStatus, cfg.Workflow.Statuses, cfg.Workflow.TerminalStatuses, cfg.Rules())
	if err != nil {
		t.Fatalf("build table: %v", err)
	}
	return table
}

func TestTableListIsComplete(t *testing.T) {
	table := defaultTable(t)
	rules := table.List()
	if len(rules) == 0 {
		t.Fatal("empty transition table")
	}
	for _, r := range rules {
		if r.FromStatus == "" || r.ToStatus == "" {
			t.Fatalf("rule with empty endpoint: %+v", r)
		}
		if len(r.AllowedRoles) == 0 {
			t.Fatalf("rule %s -> %s has no roles", r.FromStatus, r.ToStatus)
		}
		if r.Description == "" {
			t.Fatalf("rule %s -> %s has no description", r.FromStatus, r.ToStatus)
		}
	}
}

func TestTerminalStatusesHaveNoOutgoingRules(t *testing.T) {
	table := defaultTable(t)
	for _, s := range table.TerminalStatuses() {
		for _, role := range []string{"planificateur", "technicien", "admin"} {
			if next := table.NextFor(s, role); len(next) != 0 {
				t.Fatalf("terminal %s has outgoing rules for %s: %+v", s, role, next)
			}
		}
	}
}

func TestFindIsExact(t *testing.T) {
	table := defaultTable(t)
	if _, ok := table.Find("BROUILLON", "PUBLIÉE"); !ok {
		t.Fatal("expected BROUILLON -> PUBLIÉE")
	}
	if _, ok := table.Find("BROUILLON", "TERMINÉE"); ok {
		t.Fatal("BROUILLON -> TERMINÉE must not exist")
	}
	if _, ok := table.Find("BROUILLON", "BROUILLON"); ok {
		t.Fatal("self-transition must not exist unless declared")
	}
}

func TestNextForFiltersByRole(t *testing.T) {
	table := defaultTable(t)
	planner := table.NextFor("BROUILLON", "planificateur")
	if len(planner) == 0 {
		t.Fatal("planificateur should have moves from BROUILLON")
	}
	tech := table.NextFor("BROUILLON", "technicien")
	if len(tech) != 0 {
		t.Fatalf("technicien should have no moves from BROUILLON, got %+v", tech)
	}
	if next := table.NextFor("BROUILLON", ""); len(next) != 0 {
		t.Fatalf("empty role matched rules: %+v", next)
	}
}

func TestNewTableRejectsBadGraphs(t *testing.T) {
	statuses := []string{"A", "B", "FIN"}
	base := domain.TransitionRule{FromStatus: "A", ToStatus: "B", AllowedRoles: []string{"admin"}, Description: "ok"}

	if _, err := workflow.NewTable("A", statuses, []string{"FIN"}, []domain.TransitionRule{
		base,
		{FromStatus: "FIN", ToStatus: "A", AllowedRoles: []string{"admin"}, Description: "sortie interdite"},
	}); err == nil {
		t.Fatal("expected error for outgoing rule on terminal status")
	}
	if _, err := workflow.NewTable("A", statuses, nil, []domain.TransitionRule{base, base}); err == nil {
		t.Fatal("expected error for duplicate edge")
	}
	if _, err := workflow.NewTable("A", statuses, nil, []domain.TransitionRule{
		{FromStatus: "A", ToStatus: "X", AllowedRoles: []string{"admin"}, Description: "inconnu"},
	}); err == nil {
		t.Fatal("expected error for unknown status")
	}
	if _, err := workflow.NewTable("A", statuses, nil, []domain.TransitionRule{
		{FromStatus: "A", ToStatus: "B", AllowedRoles: []string{"admin"}, Description: "x",
			Effects: []domain.Effect{{Op: "set_now", Field: "pas_un_champ"}}},
	}); err == nil {
		t.Fatal("expected error for unknown effect field")
	}
}
