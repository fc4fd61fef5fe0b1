// Package temporal dispatches the two long-running control-plane
// operations — the watchdog sweep and an async deploy finalize — through
// Temporal workflows and activities instead of an in-process goroutine
// loop, so they survive a control-plane restart mid-sweep or mid-deploy.
//
// Grounded on the teacher's internal/temporal package: an Activities
// struct holding the collaborator dependencies, a Manager owning the
// client/worker lifecycle, and workflows that call activities through
// workflow.ExecuteActivity with a short StartToCloseTimeout and
// activity-owned retry semantics.
package temporal

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/deployctl/deployctl/internal/deploy"
	"github.com/deployctl/deployctl/internal/events"
	"github.com/deployctl/deployctl/internal/watchdog"
)

// Activities holds the collaborators Temporal activities call into.
type Activities struct {
	Watchdog *watchdog.Watchdog
	Deploy   *deploy.Finalizer
	EventBus *events.Bus
	Logger   *slog.Logger
}

// SweepActivity runs one watchdog pass and returns how many stale
// projects it deleted.
func (a *Activities) SweepActivity(ctx context.Context) (SweepOutput, error) {
	deleted := a.Watchdog.SweepOnce(ctx)
	if deleted > 0 && a.EventBus != nil {
		a.EventBus.Publish(events.Event{Type: events.EventWatchdogSwept, DeletedCount: deleted})
	}
	return SweepOutput{Deleted: deleted}, nil
}

// FinalizeActivity runs the deploy finalizer against a single project.
// Errors are returned as activity errors (Temporal retries per the
// workflow's retry policy); the workflow itself decides whether to
// surface the failure as a workflow error or a failed DeployOutput.
func (a *Activities) FinalizeActivity(ctx context.Context, in DeployInput) (DeployOutput, error) {
	result, err := a.Deploy.Finalize(ctx, in.ProjectID, in.Request)
	if err != nil {
		if a.Logger != nil {
			a.Logger.Error("async deploy failed", slog.String("project", in.ProjectID), slog.String("error", err.Error()))
		}
		return DeployOutput{Error: err.Error()}, fmt.Errorf("finalize: %w", err)
	}
	return DeployOutput{
		Project:       result.Project,
		NewAssets:     result.NewAssets,
		SkippedAssets: result.SkippedAssets,
	}, nil
}
