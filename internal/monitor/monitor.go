// Package monitor computes risk scores, anomaly scans and operational stats
// over missions and the workflow log. Read-only: it never mutates state.
package monitor

import (
	"context"
	"fmt"
	"time"

	"fieldline/internal/audit"
	"fieldline/internal/config"
	"fieldline/internal/domain"
	"fieldline/internal/idempotency"
	"fieldline/internal/notify"
	"fieldline/internal/paris"
	"fieldline/internal/repo"
	"fieldline/internal/workflow"
)

// Statuses the scans key on. The graph is configurable but these two carry
// fixed operational meaning: completion feeds billing, blockage feeds alerts.
const (
	completedStatus = "TERMINÉE"
	blockedStatus   = "BLOQUÉE"
)

type Service struct {
	Repo   repo.Repo
	Audit  audit.Writer
	Idem   idempotency.Store
	Notify notify.Queue
	Config *config.Config
	Now    func() time.Time
}

func New(e workflow.Engine) Service {
	return Service{
		Repo:   e.Repo,
		Audit:  e.Audit,
		Idem:   e.Idem,
		Notify: e.Notify,
		Config: e.Config,
		Now:    e.Now,
	}
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// RiskFactor is one contribution to a mission's risk score.
type RiskFactor struct {
	Code   string `json:"code"`
	Points int    `json:"points"`
	Detail string `json:"detail"`
}

// RiskReport is a mission's risk score with the factors that produced it.
// Scores are clamped to [0, 100]; terminal and archived missions score 0.
type RiskReport struct {
	MissionID   string       `json:"mission_id"`
	Status      string       `json:"status"`
	Score       int          `json:"score"`
	Factors     []RiskFactor `json:"factors,omitempty"`
	GeneratedAt string       `json:"generated_at" format:"date-time"`
}

// RiskScore computes the current risk score for one mission.
func (s Service) RiskScore(ctx context.Context, missionID string) (RiskReport, error) {
	m, err := s.Repo.GetMission(ctx, missionID)
	if err != nil {
		return RiskReport{}, err
	}
	now := s.now()
	report := RiskReport{
		MissionID:   m.ID,
		Status:      m.Status,
		GeneratedAt: now.UTC().Format(time.RFC3339),
	}
	if m.Archived || s.Config.IsTerminal(m.Status) {
		return report, nil
	}
	w := s.Config.Risk.Weights

	if maxHours, ok := s.Config.Risk.MaxHoursInStatus[m.Status]; ok && maxHours > 0 {
		if entered, err := time.Parse(time.RFC3339, m.UpdatedAt); err == nil {
			hours := int(now.Sub(entered).Hours())
			if hours > maxHours {
				report.Factors = append(report.Factors, RiskFactor{
					Code:   "stuck",
					Points: w.Stuck,
					Detail: fmt.Sprintf("%dh in status %s, threshold %dh", hours, m.Status, maxHours),
				})
			}
		}
	}

	failures, err := s.Audit.CountFailures(ctx, m.ID, "", now.Add(-24*time.Hour))
	if err != nil {
		return RiskReport{}, err
	}
	if failures > 0 {
		points := failures * w.FailedAttempt
		if points > w.FailedCap {
			points = w.FailedCap
		}
		report.Factors = append(report.Factors, RiskFactor{
			Code:   "failed_attempts",
			Points: points,
			Detail: fmt.Sprintf("%d rejected transitions in the last 24h", failures),
		})
	}

	if m.ScheduledAt != nil && m.StartedAt == nil {
		if scheduled, err := time.Parse(time.RFC3339, *m.ScheduledAt); err == nil && scheduled.Before(now) {
			report.Factors = append(report.Factors, RiskFactor{
				Code:   "overdue",
				Points: w.Overdue,
				Detail: fmt.Sprintf("scheduled for %s, not started", paris.FormatDatetime(scheduled)),
			})
		}
	}

	if m.AssigneeID == nil && m.PublishedAt != nil {
		report.Factors = append(report.Factors, RiskFactor{
			Code:   "missing_assignee",
			Points: w.MissingAssignee,
			Detail: "published without an assigned technician",
		})
	}

	if m.Description == "" {
		report.Factors = append(report.Factors, RiskFactor{
			Code:   "missing_description",
			Points: w.MissingDescription,
			Detail: "no intervention description",
		})
	}

	for _, f := range report.Factors {
		report.Score += f.Points
	}
	if report.Score > 100 {
		report.Score = 100
	}
	return report, nil
}

// DetectAnomalies scans active missions and the recent log for operational
// problems worth a human look.
func (s Service) DetectAnomalies(ctx context.Context) ([]domain.Anomaly, error) {
	now := s.now()
	active, err := s.Repo.ActiveMissions(ctx, s.Config.Workflow.TerminalStatuses)
	if err != nil {
		return nil, err
	}
	var anomalies []domain.Anomaly

	for _, m := range active {
		maxHours, ok := s.Config.Risk.MaxHoursInStatus[m.Status]
		if !ok || maxHours <= 0 {
			continue
		}
		entered, err := time.Parse(time.RFC3339, m.UpdatedAt)
		if err != nil {
			continue
		}
		hours := int(now.Sub(entered).Hours())
		if hours <= maxHours {
			continue
		}
		severity := "medium"
		if m.Status == blockedStatus {
			severity = "high"
		}
		anomalies = append(anomalies, domain.Anomaly{
			AnomalyType:    "stuck_in_status",
			Severity:       severity,
			MissionID:      m.ID,
			Description:    fmt.Sprintf("mission %s in status %s for %dh (threshold %dh)", m.Reference, m.Status, hours, maxHours),
			ActionRequired: "relancer ou replanifier la mission",
		})
	}

	forbidden, err := s.Audit.FailureCounts(ctx, workflow.CodeForbidden, now.Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}
	for missionID, count := range forbidden {
		if count < s.Config.Anomalies.ForbiddenAttempts {
			continue
		}
		anomalies = append(anomalies, domain.Anomaly{
			AnomalyType:    "repeated_forbidden_attempts",
			Severity:       "high",
			MissionID:      missionID,
			Description:    fmt.Sprintf("%d forbidden transition attempts in the last 24h", count),
			ActionRequired: "vérifier les droits de l'acteur concerné",
		})
	}

	sla := time.Duration(s.Config.Anomalies.ConfirmationSLAHours) * time.Hour
	for _, m := range active {
		if m.PublishedAt == nil || m.ConfirmedAt != nil {
			continue
		}
		published, err := time.Parse(time.RFC3339, *m.PublishedAt)
		if err != nil || now.Sub(published) <= sla {
			continue
		}
		anomalies = append(anomalies, domain.Anomaly{
			AnomalyType:    "missing_followup",
			Severity:       "medium",
			MissionID:      m.ID,
			Description:    fmt.Sprintf("mission %s published %s, still unconfirmed", m.Reference, paris.FormatDatetime(published)),
			ActionRequired: "confirmer le créneau avec le client",
		})
	}

	return anomalies, nil
}

// DailyStats aggregates activity for one Paris-local calendar day.
func (s Service) DailyStats(ctx context.Context, day time.Time) (domain.DailyStats, error) {
	local := paris.In(day)
	from := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
	to := from.Add(24 * time.Hour)
	stats := domain.DailyStats{Date: from.Format("2006-01-02")}

	var err error
	if stats.Missions, err = s.Repo.CountMissionsCreated(ctx, from, to); err != nil {
		return stats, err
	}
	completed, err := s.Audit.CountSuccessesTo(ctx, completedStatus, from, to)
	if err != nil {
		return stats, err
	}
	// One intervention report and one billing line per completion.
	stats.Reports = completed
	stats.Billing = completed
	if stats.Notifications, err = s.Notify.CountCreated(ctx, from, to); err != nil {
		return stats, err
	}
	return stats, nil
}

// Snapshot returns current counters for the monitoring endpoint.
func (s Service) Snapshot(ctx context.Context) (domain.MonitoringSnapshot, error) {
	now := s.now()
	snap := domain.MonitoringSnapshot{GeneratedAt: now.UTC().Format(time.RFC3339)}

	byStatus, err := s.Repo.CountMissionsByStatus(ctx)
	if err != nil {
		return snap, err
	}
	for status, count := range byStatus {
		if s.Config.IsTerminal(status) {
			continue
		}
		snap.MissionsActive += count
	}
	snap.MissionsPaused = byStatus[blockedStatus]

	local := paris.In(now)
	from := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
	if snap.MissionsToday, err = s.Repo.CountMissionsCreated(ctx, from, from.Add(24*time.Hour)); err != nil {
		return snap, err
	}
	if snap.NotificationsPending, err = s.Notify.CountPending(ctx); err != nil {
		return snap, err
	}
	if snap.IdempotencyCacheSize, err = s.Idem.Size(ctx); err != nil {
		return snap, err
	}
	if snap.LogEntries, err = s.Audit.Count(ctx); err != nil {
		return snap, err
	}
	return snap, nil
}
