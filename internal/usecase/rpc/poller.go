package rpc

import (
	"context"
	"log/slog"
	"time"

	"maas-ws/internal/usecase/scheduling"
)

const defaultPollInterval = 10 * time.Second

// Poller tracks which poll keys are running and owns their repeating tasks.
// The running set is loop-owned; ticks run on scheduler goroutines and must
// only post back into the loop.
type Poller struct {
	sched    *scheduling.Scheduler
	interval time.Duration
	running  map[string]uint64 // key → generation
	gen      uint64
}

// NewPoller creates a poller whose tasks fire every defaultInterval unless a
// request overrides it.
func NewPoller(logger *slog.Logger, defaultInterval time.Duration) *Poller {
	if defaultInterval <= 0 {
		defaultInterval = defaultPollInterval
	}
	return &Poller{
		sched:    scheduling.NewScheduler(logger, 0),
		interval: defaultInterval,
		running:  make(map[string]uint64),
	}
}

// Open starts the underlying scheduler.
func (p *Poller) Open(ctx context.Context) error {
	return p.sched.Start(ctx)
}

// Start moves key from idle to running and schedules fire every interval.
// It returns false without side effects if key is already running.
func (p *Poller) Start(key string, interval time.Duration, fire func(ctx context.Context, gen uint64) error) (bool, error) {
	if _, ok := p.running[key]; ok {
		return false, nil
	}
	if interval <= 0 {
		interval = p.interval
	}
	p.gen++
	gen := p.gen
	if err := p.sched.Add(key, scheduling.Every(interval), func(ctx context.Context) error {
		return fire(ctx, gen)
	}); err != nil {
		return false, err
	}
	p.running[key] = gen
	return true, nil
}

// Stop moves key from running to idle and removes its task. It returns
// false if key was not running.
func (p *Poller) Stop(key string) bool {
	if _, ok := p.running[key]; !ok {
		return false
	}
	delete(p.running, key)
	_ = p.sched.Remove(key)
	return true
}

// Current reports whether a tick of generation gen for key is still live.
func (p *Poller) Current(key string, gen uint64) bool {
	g, ok := p.running[key]
	return ok && g == gen
}

// Running reports whether key is running.
func (p *Poller) Running(key string) bool {
	_, ok := p.running[key]
	return ok
}

// Len returns the number of running polls.
func (p *Poller) Len() int { return len(p.running) }

// Close stops every poll and the scheduler.
func (p *Poller) Close() error {
	clear(p.running)
	return p.sched.Stop()
}
