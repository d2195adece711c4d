package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"fieldline/internal/domain"
	"fieldline/internal/paris"
)

// Config models fieldline.yml: the status graph, the business-hours window,
// retention and the risk/anomaly tuning. The workflow engine treats all of
// it as immutable seed data.
type Config struct {
	Workflow struct {
		InitialStatus    string             `yaml:"initial_status"`
		Statuses         []string           `yaml:"statuses"`
		TerminalStatuses []string           `yaml:"terminal_statuses"`
		Transitions      []TransitionConfig `yaml:"transitions"`
	} `yaml:"workflow"`
	BusinessHours BusinessHoursConfig `yaml:"business_hours"`
	Idempotency   struct {
		TTLHours int `yaml:"ttl_hours"`
	} `yaml:"idempotency"`
	Notifications struct {
		TTLHours   int    `yaml:"ttl_hours"`
		WebhookURL string `yaml:"webhook_url"`
	} `yaml:"notifications"`
	Risk      RiskConfig `yaml:"risk"`
	Anomalies struct {
		ForbiddenAttempts    int `yaml:"forbidden_attempts"`
		ConfirmationSLAHours int `yaml:"confirmation_sla_hours"`
	} `yaml:"anomalies"`
	Jobs struct {
		IdempotencyCleanup   string `yaml:"idempotency_cleanup"`
		NotificationsCleanup string `yaml:"notifications_cleanup"`
		AnomalyScan          string `yaml:"anomaly_scan"`
	} `yaml:"jobs"`
}

type TransitionConfig struct {
	From          string         `yaml:"from"`
	To            string         `yaml:"to"`
	Roles         []string       `yaml:"roles"`
	Description   string         `yaml:"description"`
	Effects       []EffectConfig `yaml:"effects"`
	BusinessHours bool           `yaml:"business_hours"`
	Notify        string         `yaml:"notify"`
}

type EffectConfig struct {
	Op    string `yaml:"op"`
	Field string `yaml:"field"`
	Value string `yaml:"value"`
	Delta int    `yaml:"delta"`
}

type BusinessHoursConfig struct {
	Weekdays  []string `yaml:"weekdays"`
	StartHour int      `yaml:"start_hour"`
	EndHour   int      `yaml:"end_hour"`
}

type RiskConfig struct {
	MaxHoursInStatus map[string]int `yaml:"max_hours_in_status"`
	Weights          struct {
		Stuck              int `yaml:"stuck"`
		FailedAttempt      int `yaml:"failed_attempt"`
		FailedCap          int `yaml:"failed_cap"`
		Overdue            int `yaml:"overdue"`
		MissingAssignee    int `yaml:"missing_assignee"`
		MissingDescription int `yaml:"missing_description"`
	} `yaml:"weights"`
}

var weekdayNames = map[string]time.Weekday{
	"Mon": time.Monday, "Tue": time.Tuesday, "Wed": time.Wednesday,
	"Thu": time.Thursday, "Fri": time.Friday, "Sat": time.Saturday, "Sun": time.Sunday,
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate with fl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "fieldline.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	cfg.applyDefaults()
	return &cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

func (c *Config) applyDefaults() {
	if c.Idempotency.TTLHours == 0 {
		c.Idempotency.TTLHours = 24
	}
	if c.Notifications.TTLHours == 0 {
		c.Notifications.TTLHours = 72
	}
	if c.Anomalies.ForbiddenAttempts == 0 {
		c.Anomalies.ForbiddenAttempts = 3
	}
	if c.Anomalies.ConfirmationSLAHours == 0 {
		c.Anomalies.ConfirmationSLAHours = 24
	}
	if c.Jobs.IdempotencyCleanup == "" {
		c.Jobs.IdempotencyCleanup = "@hourly"
	}
	if c.Jobs.NotificationsCleanup == "" {
		c.Jobs.NotificationsCleanup = "@hourly"
	}
	if c.Jobs.AnomalyScan == "" {
		c.Jobs.AnomalyScan = "@every 6h"
	}
	if c.Risk.Weights.Stuck == 0 {
		c.Risk.Weights.Stuck = 40
		c.Risk.Weights.FailedAttempt = 8
		c.Risk.Weights.FailedCap = 24
		c.Risk.Weights.Overdue = 20
		c.Risk.Weights.MissingAssignee = 8
		c.Risk.Weights.MissingDescription = 8
	}
}

// Validate ensures the config meets required structure. The rule graph is
// checked edge by edge so a bad rule set never reaches the engine.
func (c *Config) Validate() error {
	if len(c.Workflow.Statuses) == 0 {
		return fmt.Errorf("config.workflow.statuses is required")
	}
	statuses := map[string]bool{}
	for _, s := range c.Workflow.Statuses {
		if s == "" {
			return fmt.Errorf("config.workflow.statuses contains an empty status")
		}
		if statuses[s] {
			return fmt.Errorf("duplicate status %s", s)
		}
		statuses[s] = true
	}
	if c.Workflow.InitialStatus == "" {
		return fmt.Errorf("config.workflow.initial_status is required")
	}
	if !statuses[c.Workflow.InitialStatus] {
		return fmt.Errorf("initial status %s not in statuses", c.Workflow.InitialStatus)
	}
	terminal := map[string]bool{}
	for _, s := range c.Workflow.TerminalStatuses {
		if !statuses[s] {
			return fmt.Errorf("terminal status %s not in statuses", s)
		}
		terminal[s] = true
	}
	if len(c.Workflow.Transitions) == 0 {
		return fmt.Errorf("config.workflow.transitions is required")
	}
	edges := map[string]bool{}
	for _, t := range c.Workflow.Transitions {
		edge := t.From + "->" + t.To
		if !statuses[t.From] {
			return fmt.Errorf("transition %s: unknown from status", edge)
		}
		if !statuses[t.To] {
			return fmt.Errorf("transition %s: unknown to status", edge)
		}
		if terminal[t.From] {
			return fmt.Errorf("transition %s: %s is terminal and cannot have outgoing rules", edge, t.From)
		}
		if edges[edge] {
			return fmt.Errorf("duplicate transition %s", edge)
		}
		edges[edge] = true
		if len(t.Roles) == 0 {
			return fmt.Errorf("transition %s: roles required", edge)
		}
		for _, r := range t.Roles {
			if r == "" {
				return fmt.Errorf("transition %s: empty role", edge)
			}
		}
		if t.Description == "" {
			return fmt.Errorf("transition %s: description required", edge)
		}
		for _, e := range t.Effects {
			if err := validateEffect(e); err != nil {
				return fmt.Errorf("transition %s: %w", edge, err)
			}
		}
	}
	if err := c.validateBusinessHours(); err != nil {
		return err
	}
	for status := range c.Risk.MaxHoursInStatus {
		if !statuses[status] {
			return fmt.Errorf("risk.max_hours_in_status: unknown status %s", status)
		}
	}
	return nil
}

func validateEffect(e EffectConfig) error {
	kind, ok := domain.MissionEffectFields[e.Field]
	if !ok {
		return fmt.Errorf("effect references unknown mission field %s", e.Field)
	}
	switch e.Op {
	case "set":
		if e.Value == "" {
			return fmt.Errorf("set effect on %s requires a value", e.Field)
		}
	case "set_now":
		if kind != domain.FieldTime {
			return fmt.Errorf("set_now effect requires a timestamp field, %s is not one", e.Field)
		}
	case "clear":
		if kind == domain.FieldInt {
			return fmt.Errorf("clear effect not supported on counter field %s", e.Field)
		}
	case "increment":
		if kind != domain.FieldInt {
			return fmt.Errorf("increment effect requires a counter field, %s is not one", e.Field)
		}
		if e.Delta == 0 {
			return fmt.Errorf("increment effect on %s requires a non-zero delta", e.Field)
		}
	default:
		return fmt.Errorf("unknown effect op %q", e.Op)
	}
	return nil
}

func (c *Config) validateBusinessHours() error {
	b := c.BusinessHours
	if b.StartHour < 0 || b.EndHour > 24 || b.StartHour >= b.EndHour {
		return fmt.Errorf("business_hours: start_hour must be before end_hour within 0..24")
	}
	if len(b.Weekdays) == 0 {
		return fmt.Errorf("business_hours.weekdays is required")
	}
	for _, d := range b.Weekdays {
		if _, ok := weekdayNames[d]; !ok {
			return fmt.Errorf("business_hours: unknown weekday %q", d)
		}
	}
	return nil
}

// Rules converts the configured transitions to the engine's rule type.
func (c *Config) Rules() []domain.TransitionRule {
	rules := make([]domain.TransitionRule, 0, len(c.Workflow.Transitions))
	for _, t := range c.Workflow.Transitions {
		effects := make([]domain.Effect, 0, len(t.Effects))
		for _, e := range t.Effects {
			effects = append(effects, domain.Effect{Op: e.Op, Field: e.Field, Value: e.Value, Delta: e.Delta})
		}
		rules = append(rules, domain.TransitionRule{
			FromStatus:    t.From,
			ToStatus:      t.To,
			AllowedRoles:  append([]string(nil), t.Roles...),
			Description:   t.Description,
			Effects:       effects,
			BusinessHours: t.BusinessHours,
			Notify:        t.Notify,
		})
	}
	return rules
}

// Window converts the business-hours section to the clock package's type.
func (c *Config) Window() paris.Window {
	w := paris.Window{
		Weekdays:  map[time.Weekday]bool{},
		StartHour: c.BusinessHours.StartHour,
		EndHour:   c.BusinessHours.EndHour,
	}
	for _, d := range c.BusinessHours.Weekdays {
		if wd, ok := weekdayNames[d]; ok {
			w.Weekdays[wd] = true
		}
	}
	return w
}

// IsTerminal reports whether a status has no outgoing rules by policy.
func (c *Config) IsTerminal(status string) bool {
	for _, s := range c.Workflow.TerminalStatuses {
		if s == status {
			return true
		}
	}
	return false
}

const defaultTemplate = `workflow:
  initial_status: BROUILLON
  statuses: [BROUILLON, PUBLIÉE, CONFIRMÉE, EN_COURS, BLOQUÉE, TERMINÉE, ANNULÉE]
  terminal_statuses: [TERMINÉE, ANNULÉE]
  transitions:
    - from: BROUILLON
      to: PUBLIÉE
      roles: [planificateur, admin]
      description: "Publication de la mission aux techniciens"
      effects:
        - {op: set_now, field: published_at}
      notify: assignee

    - from: BROUILLON
      to: ANNULÉE
      roles: [planificateur, admin]
      description: "Annulation avant publication"
      effects:
        - {op: set_now, field: cancelled_at}

    - from: PUBLIÉE
      to: CONFIRMÉE
      roles: [planificateur, admin]
      description: "Confirmation du créneau avec le client"
      business_hours: true
      effects:
        - {op: set_now, field: confirmed_at}
      notify: assignee

    - from: PUBLIÉE
      to: ANNULÉE
      roles: [planificateur, admin]
      description: "Annulation après publication"
      effects:
        - {op: set_now, field: cancelled_at}
      notify: assignee

    - from: CONFIRMÉE
      to: EN_COURS
      roles: [technicien, admin]
      description: "Démarrage de l'intervention sur site"
      effects:
        - {op: set_now, field: started_at}

    - from: CONFIRMÉE
      to: ANNULÉE
      roles: [planificateur, admin]
      description: "Annulation d'une mission confirmée"
      effects:
        - {op: set_now, field: cancelled_at}
      notify: assignee

    - from: EN_COURS
      to: BLOQUÉE
      roles: [technicien, admin]
      description: "Intervention bloquée (pièce manquante, accès refusé)"
      effects:
        - {op: set, field: blocked_reason, value: "Bloqué"}
        - {op: increment, field: revisits, delta: 1}
      notify: planner

    - from: BLOQUÉE
      to: EN_COURS
      roles: [technicien, admin]
      description: "Reprise de l'intervention"
      effects:
        - {op: clear, field: blocked_reason}

    - from: EN_COURS
      to: TERMINÉE
      roles: [technicien, admin]
      description: "Intervention terminée, rapport à saisir"
      effects:
        - {op: set_now, field: completed_at}
      notify: planner

business_hours:
  weekdays: [Mon, Tue, Wed, Thu, Fri]
  start_hour: 8
  end_hour: 19

idempotency:
  ttl_hours: 24

notifications:
  ttl_hours: 72

risk:
  max_hours_in_status:
    BROUILLON: 168
    PUBLIÉE: 72
    CONFIRMÉE: 48
    EN_COURS: 24
    BLOQUÉE: 48

anomalies:
  forbidden_attempts: 3
  confirmation_sla_hours: 24

jobs:
  idempotency_cleanup: "@hourly"
  notifications_cleanup: "@hourly"
  anomaly_scan: "@every 6h"
`
