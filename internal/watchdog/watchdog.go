// Package watchdog implements the periodic stale-project sweep (C10,
// spec §4.10): paginate every project, classify it, and cascade-delete
// anything stuck in PENDING or ERROR past its grace period (or carrying
// an unrecognized status or unparseable timestamp).
//
// Grounded on the teacher's internal/health/prober.go ticker-driven loop shape
// (Start/Stop, probe-immediately-then-interval, per-target error
// isolation) translated from "probe a fleet of providers" to "sweep a
// fleet of projects."
package watchdog

import (
	"context"
	"log/slog"
	"time"

	"github.com/deployctl/deployctl/internal/project"
)

// GracePeriod is how long a PENDING or ERROR project is left alone
// before the sweep reaps it (spec §4.10 step 2).
const GracePeriod = 30 * time.Minute

// Config configures the sweep interval.
type Config struct {
	Interval time.Duration
}

// DefaultConfig returns the spec's "minute-grained" sweep cadence.
func DefaultConfig() Config {
	return Config{Interval: time.Minute}
}

// Watchdog periodically sweeps the project store for stale projects.
type Watchdog struct {
	cfg      Config
	projects *project.Store
	logger   *slog.Logger
	stop     chan struct{}
	done     chan struct{}
}

// New builds a Watchdog.
func New(cfg Config, projects *project.Store, logger *slog.Logger) *Watchdog {
	return &Watchdog{
		cfg:      cfg,
		projects: projects,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the periodic sweep loop in a goroutine.
func (w *Watchdog) Start() {
	go w.run()
}

// Stop signals the sweep loop to stop and waits for it to finish.
func (w *Watchdog) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Watchdog) run() {
	defer close(w.done)

	w.sweepOnce(context.Background())

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.sweepOnce(context.Background())
		case <-w.stop:
			return
		}
	}
}

// SweepOnce runs a single sweep pass and returns the number of projects
// deleted. Exported for callers (e.g. a Temporal activity, or a manual
// admin trigger) that want to drive a sweep outside the ticker loop.
func (w *Watchdog) SweepOnce(ctx context.Context) int {
	return w.sweepOnce(ctx)
}

func (w *Watchdog) sweepOnce(ctx context.Context) int {
	deleted := 0
	cursor := ""
	for {
		page, err := w.projects.List(ctx, 100, cursor)
		if err != nil {
			w.logger.Error("watchdog: list projects failed", slog.String("error", err.Error()))
			return deleted
		}
		for _, m := range page.Projects {
			if !shouldDelete(m) {
				continue
			}
			if err := w.projects.Delete(ctx, m.ID); err != nil {
				w.logger.Error("watchdog: delete failed",
					slog.String("project", m.ID), slog.String("error", err.Error()))
				continue
			}
			deleted++
			w.logger.Info("watchdog: deleted stale project",
				slog.String("project", m.ID), slog.String("status", string(m.Status)))
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	return deleted
}

// shouldDelete implements spec §4.10 step 2's classification rules.
func shouldDelete(m project.Metadata) bool {
	switch m.Status {
	case project.StatusReady:
		return false
	case project.StatusError:
		return isStaleOrInvalid(m.UpdatedAt)
	case project.StatusPending:
		return isStaleOrInvalid(m.CreatedAt)
	default:
		return true // missing or unknown status
	}
}

func isStaleOrInvalid(t time.Time) bool {
	if t.IsZero() {
		return true // unparseable/missing timestamp
	}
	return time.Since(t) > GracePeriod
}
