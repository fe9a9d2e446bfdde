// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package core wires the local store, the reducers, the dispatch pipeline and both sync
// managers into one explicitly constructed object.
package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mobiletoly/go-timesync/bus"
	"github.com/mobiletoly/go-timesync/dispatch"
	"github.com/mobiletoly/go-timesync/internal/syncutil"
	"github.com/mobiletoly/go-timesync/localstore"
	"github.com/mobiletoly/go-timesync/models"
	"github.com/mobiletoly/go-timesync/remote"
	"github.com/mobiletoly/go-timesync/store"
	"github.com/mobiletoly/go-timesync/syncin"
	"github.com/mobiletoly/go-timesync/syncout"
)

// Config holds the settings of every component.
type Config struct {
	QueueID       string
	SyncScope     string
	SyncInterval  time.Duration
	WindowDays    int
	FullSyncDays  int
	BackoffMin    time.Duration
	BackoffMax    time.Duration
	MaxRejections int

	StageMetrics    syncutil.StageMetricsRecorder
	LogStageTimings bool
}

// DefaultConfig returns the default settings.
func DefaultConfig() *Config {
	out := syncout.DefaultConfig()
	in := syncin.DefaultConfig()
	return &Config{
		QueueID:       out.QueueID,
		SyncScope:     in.Scope,
		SyncInterval:  in.Interval,
		WindowDays:    in.WindowDays,
		FullSyncDays:  in.FullSyncDays,
		BackoffMin:    in.BackoffMin,
		BackoffMax:    in.BackoffMax,
		MaxRejections: out.MaxRejections,
	}
}

type (
	Outcome      = dispatch.Outcome[store.Action, store.Result]
	Subscription = bus.Subscription[Outcome]
)

// Core is the explicit context object of the sync engine.
type Core struct {
	cfg      *Config
	logger   *slog.Logger
	db       *localstore.Store
	store    *store.Store
	out      *syncout.Manager
	in       *syncin.Manager
	pipeline *dispatch.Dispatcher[store.Action, store.Result]
	statuses *bus.Bus[Status]

	mu     sync.Mutex
	status Status

	lifecycle      sync.Mutex
	started        bool
	closed         bool
	cancelLoops    context.CancelFunc
	cancelPipeline context.CancelFunc
	loops          sync.WaitGroup
}

// New builds the engine over an open SQLite database and a remote client. A nil cfg
// means DefaultConfig and a nil logger means slog.Default.
func New(db *sql.DB, client remote.Client, cfg *Config, logger *slog.Logger) (*Core, error) {
	if client == nil {
		return nil, fmt.Errorf("remote client cannot be nil")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	local, err := localstore.New(db, localstore.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize local store: %w", err)
	}

	c := &Core{
		cfg:      cfg,
		logger:   logger,
		db:       local,
		store:    store.New(local, store.WithLogger(logger)),
		statuses: bus.New[Status](),
	}
	c.out = syncout.New(local, client, &syncout.Config{
		QueueID:         cfg.QueueID,
		MaxRejections:   cfg.MaxRejections,
		StageMetrics:    cfg.StageMetrics,
		LogStageTimings: cfg.LogStageTimings,
	}, syncout.WithLogger(logger))
	c.in = syncin.New(local, client, c.merge, &syncin.Config{
		Scope:           cfg.SyncScope,
		WindowDays:      cfg.WindowDays,
		FullSyncDays:    cfg.FullSyncDays,
		Interval:        cfg.SyncInterval,
		BackoffMin:      cfg.BackoffMin,
		BackoffMax:      cfg.BackoffMax,
		StageMetrics:    cfg.StageMetrics,
		LogStageTimings: cfg.LogStageTimings,
	}, syncin.WithLogger(logger), syncin.WithOnRun(func(_ syncin.RunResult, err error) {
		c.finishSync(context.Background(), err)
	}))
	c.pipeline = dispatch.New[store.Action, store.Result](c.store.Handle,
		dispatch.WithLogger[store.Action, store.Result](logger),
		dispatch.WithAfter[store.Action, store.Result](c.afterAction),
	)
	return c, nil
}

// Open opens (or creates) the SQLite database at path and builds the engine over it.
// The returned close function closes both.
func Open(path string, client remote.Client, cfg *Config, logger *slog.Logger) (*Core, func() error, error) {
	local, err := localstore.Open(path, localstore.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	c, err := New(local.DB(), client, cfg, logger)
	if err != nil {
		_ = local.Close()
		return nil, nil, err
	}
	return c, func() error {
		c.Close()
		return local.Close()
	}, nil
}

// Store returns the local store for read-only queries.
func (c *Core) Store() *localstore.Store { return c.db }

// Start recovers pending changes and launches the pipeline and the background loops.
func (c *Core) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.closed {
		return dispatch.ErrClosed
	}
	if c.started {
		return nil
	}
	if _, err := c.out.Recover(ctx); err != nil {
		return err
	}

	pipelineCtx, cancelPipeline := context.WithCancel(context.WithoutCancel(ctx))
	loopsCtx, cancelLoops := context.WithCancel(context.WithoutCancel(ctx))
	c.cancelPipeline = cancelPipeline
	c.cancelLoops = cancelLoops
	c.pipeline.Start(pipelineCtx)
	c.started = true
	c.refreshPending(ctx)

	c.loops.Add(2)
	go func() {
		defer c.loops.Done()
		c.in.Run(loopsCtx)
	}()
	go func() {
		defer c.loops.Done()
		c.retryLoop(loopsCtx)
	}()
	c.logger.Info("Sync engine started", "queue", c.cfg.QueueID, "scope", c.cfg.SyncScope)
	return nil
}

// Close stops the background loops, finishes queued actions and shuts the pipeline down.
func (c *Core) Close() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.started {
		c.cancelLoops()
		c.loops.Wait()
		c.pipeline.Close()
		c.cancelPipeline()
	}
	c.pipeline.Bus().Close()
	c.statuses.Close()
}

// Send submits an action without waiting.
func (c *Core) Send(action store.Action) error {
	return c.pipeline.Send(action)
}

// Do submits an action and waits until it and its Sync-Out pass completed. Sync-Out
// failures do not fail the action; they are reported through Status.
func (c *Core) Do(ctx context.Context, action store.Action) (store.Result, error) {
	o, err := c.pipeline.SendAndWait(ctx, action)
	if err != nil {
		return store.Result{}, err
	}
	return o.Value, o.Err
}

// SyncNow drains the outgoing queue and downloads server changes.
func (c *Core) SyncNow(ctx context.Context) error {
	o, err := c.pipeline.SendAndWait(ctx, store.QueueDrain{})
	if err != nil {
		return err
	}
	_, inErr := c.in.RunOnce(ctx)
	c.finishSync(ctx, inErr)
	return errors.Join(o.Err, o.AfterErr, inErr)
}

// Subscribe returns a subscription to every action outcome.
func (c *Core) Subscribe() *Subscription { return c.pipeline.Subscribe() }

// StatusEvents returns a subscription to sync status changes.
func (c *Core) StatusEvents() *bus.Subscription[Status] { return c.statuses.Subscribe() }

// DeadLetters lists changes the server rejected for good.
func (c *Core) DeadLetters(ctx context.Context) ([]localstore.DeadLetter, error) {
	return c.db.DeadLetters(ctx, c.cfg.QueueID)
}

func (c *Core) merge(ctx context.Context, records []models.Record) error {
	o, err := c.pipeline.SendAndWait(ctx, store.ServerRecordsReceived{Records: records})
	if err != nil {
		return err
	}
	return o.Err
}

// afterAction runs Sync-Out for a successful action on the pipeline goroutine.
func (c *Core) afterAction(ctx context.Context, o Outcome) error {
	if o.Err != nil {
		return nil
	}
	res := o.Value
	if res.RequestSyncIn {
		c.in.Trigger()
	}
	outgoing := res.Outgoing()
	if len(outgoing) == 0 && !res.RequestDrain {
		return nil
	}

	c.beginSync()
	var err error
	if len(outgoing) > 0 {
		_, err = c.out.Process(ctx, outgoing)
	} else {
		_, err = c.out.Drain(ctx)
	}
	c.finishSync(ctx, err)
	return err
}

// retryLoop drains the queue while it holds changes, backing off while sends fail.
func (c *Core) retryLoop(ctx context.Context) {
	backoff := syncutil.NewBackoff(c.cfg.BackoffMin, c.cfg.BackoffMax)
	wait := c.cfg.BackoffMin
	for {
		if err := syncutil.SleepWithContext(ctx, wait); err != nil {
			return
		}
		n, err := c.out.Pending(ctx)
		if err != nil || n == 0 {
			backoff.Reset()
			wait = c.cfg.SyncInterval
			if wait <= 0 {
				wait = time.Second
			}
			continue
		}
		o, err := c.pipeline.SendAndWait(ctx, store.QueueDrain{})
		if err != nil {
			return
		}
		if o.AfterErr != nil {
			wait = backoff.Failure()
			c.logger.Debug("Queue drain failed, backing off", "pending", n, "retry_in", wait, "error", o.AfterErr)
			continue
		}
		backoff.Reset()
		wait = c.cfg.BackoffMin
	}
}
