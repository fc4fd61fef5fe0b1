package temporal

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	sweepActivityTimeout  = 30 * time.Second
	deployActivityTimeout = 2 * time.Minute

	// defaultWatchdogIterations bounds a single WatchdogWorkflow
	// generation before it continues-as-new, so a control plane that
	// runs for months doesn't grow one workflow's history unbounded.
	defaultWatchdogIterations = 60
)

// WatchdogWorkflow replaces the in-process ticker loop (internal/watchdog)
// with a Temporal-scheduled sweep: sleep for Interval, run SweepActivity,
// repeat. After Iterations passes it continues-as-new with the running
// TotalDeleted count carried forward, per spec §4.10's "minute-grained"
// cron cadence.
func WatchdogWorkflow(ctx workflow.Context, input WatchdogInput) (WatchdogOutput, error) {
	if input.Interval <= 0 {
		input.Interval = time.Minute
	}
	iterations := input.Iterations
	if iterations <= 0 {
		iterations = defaultWatchdogIterations
	}

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: sweepActivityTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	total := input.TotalDeleted
	for i := 0; i < iterations; i++ {
		if i > 0 {
			if err := workflow.Sleep(ctx, input.Interval); err != nil {
				return WatchdogOutput{TotalDeleted: total}, err
			}
		}
		var out SweepOutput
		if err := workflow.ExecuteActivity(ctx, (*Activities).SweepActivity).Get(ctx, &out); err != nil {
			return WatchdogOutput{TotalDeleted: total}, err
		}
		total += out.Deleted
	}

	return WatchdogOutput{TotalDeleted: total}, workflow.NewContinueAsNewError(ctx, WatchdogWorkflow, WatchdogInput{
		Interval:     input.Interval,
		Iterations:   iterations,
		TotalDeleted: total,
	})
}

// DeployWorkflow runs the deploy finalizer asynchronously (spec §4.7's
// "?async=true" path) so a large server-code or asset finalize doesn't
// hold the HTTP request open.
func DeployWorkflow(ctx workflow.Context, input DeployInput) (DeployOutput, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: deployActivityTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1, // the finalizer is not safely retryable mid-commit
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var out DeployOutput
	err := workflow.ExecuteActivity(ctx, (*Activities).FinalizeActivity, input).Get(ctx, &out)
	if err != nil {
		if out.Error == "" {
			out.Error = err.Error()
		}
		return out, err
	}
	return out, nil
}
