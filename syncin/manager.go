// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package syncin downloads server changes and merges them through the dispatch pipeline.
// The high-water mark only moves forward after a merge succeeded, so a failed or
// interrupted run is simply repeated.
package syncin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mobiletoly/go-timesync/internal/syncutil"
	"github.com/mobiletoly/go-timesync/localstore"
	"github.com/mobiletoly/go-timesync/models"
	"github.com/mobiletoly/go-timesync/remote"
)

// MergeFunc applies downloaded records and reports whether the merge succeeded.
type MergeFunc func(ctx context.Context, records []models.Record) error

// Config holds the Sync-In settings.
type Config struct {
	// Scope names the high-water mark.
	Scope string
	// WindowDays bounds how far back an incremental download looks.
	WindowDays int
	// FullSyncDays bounds the first download when no high-water mark exists.
	FullSyncDays    int
	Interval        time.Duration
	BackoffMin      time.Duration
	BackoffMax      time.Duration
	StageMetrics    syncutil.StageMetricsRecorder
	LogStageTimings bool
}

// DefaultConfig returns the default Sync-In settings.
func DefaultConfig() *Config {
	return &Config{
		Scope:        "default",
		WindowDays:   14,
		FullSyncDays: 60,
		Interval:     60 * time.Second,
		BackoffMin:   1 * time.Second,
		BackoffMax:   60 * time.Second,
	}
}

// RunResult describes one download.
type RunResult struct {
	Full bool
	// CatchUp is set when the mark was older than the window and the download
	// was not bounded by it.
	CatchUp  bool
	Since    time.Time
	Until    time.Time
	Received int
}

// catchUpMargin widens the stale-mark check to absorb clock drift between the
// device and the server.
const catchUpMargin = 24 * time.Hour

// Manager is the Sync-In manager.
type Manager struct {
	db      *localstore.Store
	client  remote.Client
	merge   MergeFunc
	cfg     *Config
	logger  *slog.Logger
	now     func() time.Time
	onRun   func(RunResult, error)
	stages  *syncutil.Stages
	trigger chan struct{}

	runMu sync.Mutex
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithOnRun registers a callback invoked after every run of the background loop.
func WithOnRun(fn func(RunResult, error)) Option {
	return func(m *Manager) { m.onRun = fn }
}

// New creates a manager. A nil cfg means DefaultConfig.
func New(db *localstore.Store, client remote.Client, merge MergeFunc, cfg *Config, opts ...Option) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{
		db:      db,
		client:  client,
		merge:   merge,
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
		trigger: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.stages = &syncutil.Stages{
		Operation:  syncutil.OpSyncIn,
		Recorder:   cfg.StageMetrics,
		LogTimings: cfg.LogStageTimings,
		Logger:     m.logger,
	}
	return m
}

// RunOnce downloads everything changed since the high-water mark, or the last
// FullSyncDays when there is none, merges it and advances the mark. The new mark
// is the server time reported with the batch; clients that cannot report it fall
// back to the device time the download started. A mark older than WindowDays is
// downloaded without the window so nothing between the mark and the window is
// skipped. Concurrent calls run one at a time.
func (m *Manager) RunOnce(ctx context.Context) (RunResult, error) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	now := m.now().UTC()
	res := RunResult{Until: now}
	start := m.stages.Start()
	var err error
	defer func() { m.stages.Observe(ctx, syncutil.StageTotal, start, res.Received, 0, err != nil) }()

	wmStart := m.stages.Start()
	hwm, ok, err := m.db.HighWaterMark(ctx, m.cfg.Scope)
	m.stages.Observe(ctx, syncutil.StageWatermark, wmStart, 0, 0, err != nil)
	if err != nil {
		return res, err
	}

	days := m.cfg.WindowDays
	if !ok {
		res.Full = true
		days = m.cfg.FullSyncDays
	} else {
		res.Since = hwm
		if days > 0 && now.Sub(hwm) > time.Duration(days)*24*time.Hour-catchUpMargin {
			res.CatchUp = true
			days = 0
		}
	}

	fetchStart := m.stages.Start()
	var changes remote.Changes
	changes, err = m.list(ctx, res.Since, days)
	records := changes.Records
	m.stages.Observe(ctx, syncutil.StageFetch, fetchStart, len(records), 0, err != nil)
	if err != nil {
		return res, fmt.Errorf("failed to download changes: %w", err)
	}
	res.Received = len(records)
	if !changes.ServerTime.IsZero() {
		res.Until = changes.ServerTime.UTC()
	}

	if len(records) > 0 {
		mergeStart := m.stages.Start()
		err = m.merge(ctx, records)
		m.stages.Observe(ctx, syncutil.StageMerge, mergeStart, len(records), 0, err != nil)
		if err != nil {
			return res, fmt.Errorf("failed to merge %d downloaded records: %w", len(records), err)
		}
	}

	if err = m.db.SetHighWaterMark(ctx, m.cfg.Scope, res.Until); err != nil {
		return res, err
	}
	m.logger.Debug("Sync-in completed", "scope", m.cfg.Scope, "full", res.Full, "catch_up", res.CatchUp, "since", res.Since, "until", res.Until, "received", res.Received)
	return res, nil
}

func (m *Manager) list(ctx context.Context, since time.Time, days int) (remote.Changes, error) {
	if feed, ok := m.client.(remote.ChangeFeed); ok {
		return feed.ListChanges(ctx, since, days)
	}
	records, err := m.client.List(ctx, since, days)
	return remote.Changes{Records: records}, err
}

// Reset forgets the high-water mark so the next run is a full sync.
func (m *Manager) Reset(ctx context.Context) error {
	return m.db.ClearHighWaterMark(ctx, m.cfg.Scope)
}

// Trigger asks the background loop to run now. It never blocks.
func (m *Manager) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// Run downloads periodically until ctx is done. Failures back off exponentially
// between BackoffMin and BackoffMax; Trigger cuts any wait short.
func (m *Manager) Run(ctx context.Context) {
	backoff := syncutil.NewBackoff(m.cfg.BackoffMin, m.cfg.BackoffMax)
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := m.RunOnce(ctx)
		if m.onRun != nil {
			m.onRun(res, err)
		}

		wait := m.cfg.Interval
		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return
			}
			wait = backoff.Failure()
			m.logger.Warn("Sync-in failed", "scope", m.cfg.Scope, "retry_in", wait, "error", err)
		} else {
			backoff.Reset()
		}
		if wait <= 0 {
			wait = time.Second
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-m.trigger:
			timer.Stop()
		case <-timer.C:
		}
	}
}
