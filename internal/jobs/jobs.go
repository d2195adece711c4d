// Package jobs runs the recurring maintenance work: idempotency and
// notification expiry sweeps, notification dispatch and the anomaly scan.
package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"fieldline/internal/config"
	"fieldline/internal/monitor"
	"fieldline/internal/notify"
	"fieldline/internal/workflow"
)

type Scheduler struct {
	Engine     workflow.Engine
	Monitor    monitor.Service
	Dispatcher notify.Dispatcher
	Config     *config.Config
	Logger     zerolog.Logger

	cron *cron.Cron
}

// Start registers the configured jobs and starts the cron loop. A slow sweep
// skips its next tick instead of piling up.
func (s *Scheduler) Start() error {
	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DiscardLogger),
	))
	if _, err := s.cron.AddFunc(s.Config.Jobs.IdempotencyCleanup, s.idempotencyCleanup); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.Config.Jobs.NotificationsCleanup, s.notificationsCleanup); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.Config.Jobs.AnomalyScan, s.anomalyScan); err != nil {
		return err
	}
	// Dispatch rides the notifications schedule.
	if _, err := s.cron.AddFunc(s.Config.Jobs.NotificationsCleanup, s.dispatchNotifications); err != nil {
		return err
	}
	s.cron.Start()
	s.Logger.Info().
		Str("idempotency_cleanup", s.Config.Jobs.IdempotencyCleanup).
		Str("notifications_cleanup", s.Config.Jobs.NotificationsCleanup).
		Str("anomaly_scan", s.Config.Jobs.AnomalyScan).
		Msg("jobs scheduled")
	return nil
}

// Stop halts the cron loop and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// RunOnce executes every job a single time, for `fl jobs run` and tests.
func (s *Scheduler) RunOnce() {
	s.idempotencyCleanup()
	s.notificationsCleanup()
	s.dispatchNotifications()
	s.anomalyScan()
}

func (s *Scheduler) jobContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Minute)
}

func (s *Scheduler) idempotencyCleanup() {
	ctx, cancel := s.jobContext()
	defer cancel()
	res, err := s.Engine.Idem.CleanupExpired(ctx)
	if err != nil {
		s.Logger.Error().Err(err).Msg("idempotency cleanup failed")
		return
	}
	s.Logger.Info().Int("deleted", res.DeletedCount).Msg("idempotency cleanup")
}

func (s *Scheduler) notificationsCleanup() {
	ctx, cancel := s.jobContext()
	defer cancel()
	res, err := s.Engine.Notify.CleanupExpired(ctx)
	if err != nil {
		s.Logger.Error().Err(err).Msg("notifications cleanup failed")
		return
	}
	s.Logger.Info().Int("deleted", res.DeletedCount).Int("failed", res.FailedCount).Msg("notifications cleanup")
}

func (s *Scheduler) dispatchNotifications() {
	ctx, cancel := s.jobContext()
	defer cancel()
	res, err := s.Dispatcher.DispatchPending(ctx, 100)
	if err != nil {
		s.Logger.Error().Err(err).Msg("notification dispatch failed")
		return
	}
	if res.Sent > 0 || res.Failed > 0 {
		s.Logger.Info().Int("sent", res.Sent).Int("failed", res.Failed).Msg("notifications dispatched")
	}
}

func (s *Scheduler) anomalyScan() {
	ctx, cancel := s.jobContext()
	defer cancel()
	anomalies, err := s.Monitor.DetectAnomalies(ctx)
	if err != nil {
		s.Logger.Error().Err(err).Msg("anomaly scan failed")
		return
	}
	for _, a := range anomalies {
		s.Logger.Warn().
			Str("anomaly_type", a.AnomalyType).
			Str("severity", a.Severity).
			Str("mission_id", a.MissionID).
			Str("action_required", a.ActionRequired).
			Msg(a.Description)
	}
	s.Logger.Info().Int("anomalies", len(anomalies)).Msg("anomaly scan")
}
