package temporal

import (
	"time"

	"github.com/deployctl/deployctl/internal/deploy"
	"github.com/deployctl/deployctl/internal/project"
)

// WatchdogInput is the input for WatchdogWorkflow.
type WatchdogInput struct {
	// Interval is the sweep cadence (spec §4.10's "minute-grained" cron).
	Interval time.Duration
	// Iterations bounds how many sweeps this workflow run performs before
	// continuing-as-new, keeping workflow history from growing unbounded.
	Iterations int
	// TotalDeleted carries the running count across continue-as-new calls.
	TotalDeleted int
}

// WatchdogOutput is the result of one WatchdogWorkflow continue-as-new
// generation: how many stale projects it swept before handing off.
type WatchdogOutput struct {
	TotalDeleted int
}

// SweepOutput is the result of a single SweepActivity invocation.
type SweepOutput struct {
	Deleted int
}

// DeployInput is the input for DeployWorkflow: the same payload
// deploy.Finalizer.Finalize accepts inline, dispatched asynchronously
// instead (spec §4.7's "?async=true" deploy path).
type DeployInput struct {
	ProjectID string
	Request   deploy.Request
}

// DeployOutput is the result of DeployWorkflow.
type DeployOutput struct {
	Project       *project.Metadata
	NewAssets     int
	SkippedAssets int
	Error         string `json:"error,omitempty"`
}
