// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package syncutil holds the timing and retry helpers shared by the sync managers
// and the server store.
package syncutil

import (
	"context"
	"log/slog"
	"time"
)

const (
	OpSyncOut = "sync_out"
	OpSyncIn  = "sync_in"

	StageTotal   = "total"
	StageSend    = "send"
	StageApply   = "apply"
	StageEnqueue = "enqueue"
	StageDrain   = "drain"
	StageRecover = "recover"

	StageWatermark = "watermark"
	StageFetch     = "fetch"
	StageMerge     = "merge"
)

type StageTiming struct {
	Operation string
	Stage     string
	Duration  time.Duration
	Count     int
	Attempt   int
	Error     bool
}

type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

// Stages reports stage timings to an optional recorder and, when LogTimings is set, to
// the debug log. The zero value records nothing.
type Stages struct {
	Operation  string
	Recorder   StageMetricsRecorder
	LogTimings bool
	Logger     *slog.Logger
}

func (s *Stages) enabled() bool {
	return s != nil && (s.Recorder != nil || s.LogTimings)
}

// Start returns the start mark for a stage, or the zero time when timing is disabled.
func (s *Stages) Start() time.Time {
	if !s.enabled() {
		return time.Time{}
	}
	return time.Now()
}

// Observe reports a stage that began at start.
func (s *Stages) Observe(ctx context.Context, stage string, start time.Time, count, attempt int, hadError bool) {
	if start.IsZero() || !s.enabled() {
		return
	}
	timing := StageTiming{
		Operation: s.Operation,
		Stage:     stage,
		Duration:  time.Since(start),
		Count:     count,
		Attempt:   attempt,
		Error:     hadError,
	}
	if s.Recorder != nil {
		s.Recorder.ObserveStage(ctx, timing)
	}
	if s.LogTimings && s.Logger != nil {
		s.Logger.Debug("Stage timing",
			"op", timing.Operation,
			"stage", timing.Stage,
			"duration", timing.Duration,
			"count", timing.Count,
			"attempt", timing.Attempt,
			"error", timing.Error,
		)
	}
}
