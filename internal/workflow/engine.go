package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fieldline/internal/audit"
	"fieldline/internal/config"
	"fieldline/internal/domain"
	"fieldline/internal/idempotency"
	"fieldline/internal/notify"
	"fieldline/internal/paris"
	"fieldline/internal/repo"
)

const (
	opApplyTransition = "apply_transition"
	opCreateMission   = "create_mission"
)

// Engine is the single entry point for mission status changes. Every mutation
// of the status column goes through ApplyTransition; the audit append, the
// field effects and the idempotency record commit as one transaction.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Table  *Table
	Audit  audit.Writer
	Idem   idempotency.Store
	Notify notify.Queue
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) (Engine, error) {
	table, err := NewTable(cfg.Workflow.InitialStatus, cfg.Workflow.Statuses, cfg.Workflow.TerminalStatuses, cfg.Rules())
	if err != nil {
		return Engine{}, fmt.Errorf("build transition table: %w", err)
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Table:  table,
		Audit:  audit.Writer{DB: db},
		Idem:   idempotency.Store{DB: db, TTL: time.Duration(cfg.Idempotency.TTLHours) * time.Hour},
		Notify: notify.Queue{DB: db, TTL: time.Duration(cfg.Notifications.TTLHours) * time.Hour},
		Config: cfg,
		Now:    time.Now,
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// MissionCreateOptions are parameters for creating a mission.
type MissionCreateOptions struct {
	ID          string
	Reference   string
	ClientName  string
	SiteAddress string
	Description string
	AssigneeID  string
	ScheduledAt string
	ActorID     string
	ActorRole   string
}

func (o MissionCreateOptions) idempotencyParams() map[string]any {
	return map[string]any{
		"reference":    o.Reference,
		"client_name":  o.ClientName,
		"site_address": o.SiteAddress,
		"description":  o.Description,
		"assignee_id":  o.AssigneeID,
		"scheduled_at": o.ScheduledAt,
		"actor_id":     o.ActorID,
		"actor_role":   o.ActorRole,
	}
}

// CreateMission inserts a mission in the initial status and writes its
// creation log entry. Like transitions, the call is idempotency-wrapped: a
// double submit of the same payload returns the already-created mission
// instead of a duplicate. The generated id stays out of the key so retries
// without a caller-supplied id still dedupe.
func (e Engine) CreateMission(ctx context.Context, opts MissionCreateOptions) (domain.Mission, error) {
	if opts.ClientName == "" {
		return domain.Mission{}, errors.New("client_name is required")
	}
	params := opts.idempotencyParams()
	key := idempotency.DeriveKey(opts.ID, opCreateMission, params)
	hash := idempotency.RequestHash(params)
	hit, err := e.Idem.Check(ctx, key, hash)
	if err != nil {
		return domain.Mission{}, err
	}
	if hit.Cached {
		var m domain.Mission
		if err := json.Unmarshal([]byte(hit.Response), &m); err != nil {
			return domain.Mission{}, fmt.Errorf("decode cached response: %w", err)
		}
		return m, nil
	}
	now := e.now()
	nowStr := now.UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	ref := opts.Reference
	if ref == "" {
		ref = fmt.Sprintf("MIS-%s-%s", now.UTC().Format("20060102"), id[:8])
	}
	m := domain.Mission{
		ID:          id,
		Reference:   ref,
		ClientName:  opts.ClientName,
		SiteAddress: opts.SiteAddress,
		Description: opts.Description,
		Status:      e.Table.InitialStatus(),
		AssigneeID:  optionalString(opts.AssigneeID),
		Version:     1,
		CreatedAt:   nowStr,
		UpdatedAt:   nowStr,
	}
	if opts.ScheduledAt != "" {
		t, err := paris.ParseTimestamp(opts.ScheduledAt)
		if err != nil {
			return domain.Mission{}, fmt.Errorf("scheduled_at: %w", err)
		}
		s := t.UTC().Format(time.RFC3339)
		m.ScheduledAt = &s
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertMission(ctx, tx, m); err != nil {
		return domain.Mission{}, fmt.Errorf("insert mission: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, domain.WorkflowLogEntry{
		MissionID:  m.ID,
		FromStatus: "",
		ToStatus:   m.Status,
		ActorID:    actorOrLocal(opts.ActorID),
		ActorRole:  opts.ActorRole,
		Success:    true,
		Reason:     "création de la mission",
		TS:         nowStr,
	}); err != nil {
		return domain.Mission{}, err
	}
	respJSON, err := json.Marshal(m)
	if err != nil {
		return domain.Mission{}, err
	}
	if err := e.Idem.RecordTx(ctx, tx, m.ID, opCreateMission, key, hash, string(respJSON)); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	return m, nil
}

// TransitionOptions are parameters for a transition request.
type TransitionOptions struct {
	MissionID    string
	TargetStatus string
	ActorID      string
	ActorRole    string
	Reason       string
	// At is the timestamp the business-hours gate evaluates when the rule
	// requires one. Defaults to the mission's scheduled slot, then to now.
	At     string
	Params map[string]any
}

func (o TransitionOptions) idempotencyParams() map[string]any {
	params := map[string]any{
		"target_status": o.TargetStatus,
		"actor_role":    o.ActorRole,
		"reason":        o.Reason,
		"at":            o.At,
	}
	if len(o.Params) > 0 {
		params["extra"] = o.Params
	}
	return params
}

// ApplyTransition validates and applies one status change.
//
// The idempotency cache is consulted first: a retry of an already-committed
// request returns the original mission snapshot with Cached=true and applies
// nothing. Only successful outcomes are cached; failed validations are
// re-evaluated fresh on every call.
func (e Engine) ApplyTransition(ctx context.Context, opts TransitionOptions) (domain.TransitionResult, error) {
	if opts.MissionID == "" {
		return domain.TransitionResult{}, errors.New("mission id is required")
	}
	if opts.TargetStatus == "" {
		return domain.TransitionResult{}, errors.New("target status is required")
	}
	if opts.ActorRole == "" {
		return domain.TransitionResult{}, errors.New("actor role is required")
	}
	params := opts.idempotencyParams()
	key := idempotency.DeriveKey(opts.MissionID, opApplyTransition, params)
	hash := idempotency.RequestHash(params)
	hit, err := e.Idem.Check(ctx, key, hash)
	if err != nil {
		return domain.TransitionResult{}, err
	}
	if hit.Cached {
		var m domain.Mission
		if err := json.Unmarshal([]byte(hit.Response), &m); err != nil {
			return domain.TransitionResult{}, fmt.Errorf("decode cached response: %w", err)
		}
		return domain.TransitionResult{Mission: m, Cached: true}, nil
	}

	m, err := e.Repo.GetMission(ctx, opts.MissionID)
	if err != nil {
		return domain.TransitionResult{}, err
	}
	if m.Archived {
		return domain.TransitionResult{}, fmt.Errorf("mission %s is archived", m.ID)
	}
	rule, ok := e.Table.Find(m.Status, opts.TargetStatus)
	if !ok {
		failErr := InvalidTransitionError{From: m.Status, To: opts.TargetStatus}
		e.logFailure(ctx, m, opts, CodeInvalidTransition, failErr)
		return domain.TransitionResult{}, failErr
	}
	if !roleAllowed(rule, opts.ActorRole) {
		failErr := ForbiddenError{Role: opts.ActorRole, From: m.Status, To: opts.TargetStatus}
		e.logFailure(ctx, m, opts, CodeForbidden, failErr)
		return domain.TransitionResult{}, failErr
	}
	now := e.now()
	if rule.BusinessHours {
		at, err := e.gateTime(m, opts, now)
		if err != nil {
			return domain.TransitionResult{}, err
		}
		window := e.Config.Window()
		if !paris.IsBusinessHours(at, window) {
			failErr := OutsideBusinessHoursError{At: paris.FormatDatetime(at), Window: window.String()}
			e.logFailure(ctx, m, opts, CodeOutsideBusinessHours, failErr)
			return domain.TransitionResult{}, failErr
		}
	}

	updated := m
	if err := applyEffects(&updated, rule.Effects, now); err != nil {
		e.logFailure(ctx, m, opts, effectErrorCode(err), err)
		return domain.TransitionResult{}, err
	}
	if opts.Reason != "" && updated.BlockedReason != nil && rule.ToStatus == "BLOQUÉE" {
		updated.BlockedReason = &opts.Reason
	}
	updated.Status = opts.TargetStatus
	updated.Version = m.Version + 1
	updated.UpdatedAt = now.UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TransitionResult{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateMissionCAS(ctx, tx, updated, m.Version); err != nil {
		var conflict repo.ConflictError
		if errors.As(err, &conflict) {
			tx.Rollback()
			e.logFailure(ctx, m, opts, CodeConflict, err)
		}
		return domain.TransitionResult{}, err
	}
	if err := e.Audit.Append(ctx, tx, domain.WorkflowLogEntry{
		MissionID:  m.ID,
		FromStatus: m.Status,
		ToStatus:   opts.TargetStatus,
		ActorID:    actorOrLocal(opts.ActorID),
		ActorRole:  opts.ActorRole,
		Success:    true,
		Reason:     opts.Reason,
		TS:         now.UTC().Format(time.RFC3339),
	}); err != nil {
		return domain.TransitionResult{}, err
	}
	if rule.Notify != "" {
		if err := e.enqueueNotification(ctx, tx, rule, m, updated); err != nil {
			return domain.TransitionResult{}, err
		}
	}
	respJSON, err := json.Marshal(updated)
	if err != nil {
		return domain.TransitionResult{}, err
	}
	if err := e.Idem.RecordTx(ctx, tx, m.ID, opApplyTransition, key, hash, string(respJSON)); err != nil {
		return domain.TransitionResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TransitionResult{}, err
	}
	return domain.TransitionResult{Mission: updated}, nil
}

func (e Engine) gateTime(m domain.Mission, opts TransitionOptions, now time.Time) (time.Time, error) {
	if opts.At != "" {
		t, err := paris.ParseTimestamp(opts.At)
		if err != nil {
			return time.Time{}, fmt.Errorf("at: %w", err)
		}
		return t, nil
	}
	if m.ScheduledAt != nil {
		t, err := time.Parse(time.RFC3339, *m.ScheduledAt)
		if err == nil {
			return t, nil
		}
	}
	return now, nil
}

// logFailure writes the rejected attempt outside the (rolled back) main
// transaction so the audit trail keeps it. Best effort: the validation error
// stays the caller's primary signal.
func (e Engine) logFailure(ctx context.Context, m domain.Mission, opts TransitionOptions, code string, cause error) {
	_ = e.Audit.Append(ctx, nil, domain.WorkflowLogEntry{
		MissionID:  m.ID,
		FromStatus: m.Status,
		ToStatus:   opts.TargetStatus,
		ActorID:    actorOrLocal(opts.ActorID),
		ActorRole:  opts.ActorRole,
		Success:    false,
		ErrorCode:  code,
		Reason:     cause.Error(),
		TS:         e.now().UTC().Format(time.RFC3339),
	})
}

func (e Engine) enqueueNotification(ctx context.Context, tx *sql.Tx, rule domain.TransitionRule, before, after domain.Mission) error {
	var recipient string
	switch rule.Notify {
	case "assignee":
		if after.AssigneeID == nil {
			return nil
		}
		recipient = *after.AssigneeID
	case "planner":
		recipient = "planification"
	default:
		recipient = rule.Notify
	}
	channel := "log"
	if e.Config.Notifications.WebhookURL != "" {
		channel = "webhook"
	}
	_, err := e.Notify.EnqueueTx(ctx, tx, domain.Notification{
		MissionID: after.ID,
		Recipient: recipient,
		Channel:   channel,
		Subject:   fmt.Sprintf("Mission %s : %s → %s", after.Reference, before.Status, after.Status),
		Body:      rule.Description,
	})
	return err
}

// AvailableTransitions lists the legal next hops for a mission given the
// caller's role, for UI status controls.
func (e Engine) AvailableTransitions(ctx context.Context, missionID, role string) ([]domain.TransitionRule, error) {
	m, err := e.Repo.GetMission(ctx, missionID)
	if err != nil {
		return nil, err
	}
	return e.Table.NextFor(m.Status, role), nil
}

// Timeline returns the mission's audit entries, oldest first.
func (e Engine) Timeline(ctx context.Context, missionID string, limit int) ([]domain.WorkflowLogEntry, error) {
	if _, err := e.Repo.GetMission(ctx, missionID); err != nil {
		return nil, err
	}
	return e.Audit.Timeline(ctx, missionID, limit)
}

func effectErrorCode(err error) string {
	var unknown UnknownEffectFieldError
	if errors.As(err, &unknown) {
		return CodeUnknownEffectField
	}
	return "invalid_effect"
}

func actorOrLocal(actorID string) string {
	if actorID == "" {
		return "local-user"
	}
	return actorID
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
