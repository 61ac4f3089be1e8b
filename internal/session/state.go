// Package session owns the lifecycle of analysis sessions: creation under the
// one-active-session rule, supervised dispatch, cancellation, recovery and
// progress snapshots.
package session

import (
	"fmt"

	"github.com/steveyegge/agentflow/internal/capability"
	"github.com/steveyegge/agentflow/internal/types"
)

// Reduce derives the session status from its runs. While any run is still
// queued or running the session is running; afterwards it is failed if a
// required run failed and completed otherwise. The reason names the first
// required failure in declared order.
func Reduce(runs []*types.CapabilityRun) (types.SessionStatus, string) {
	var reason string
	failed := false
	for _, run := range runs {
		if !run.Status.IsTerminal() {
			return types.SessionRunning, ""
		}
		if run.Status == types.RunFailed && run.Required && !failed {
			failed = true
			reason = fmt.Sprintf("required capability %s failed", run.Capability)
			if run.Error != "" {
				reason += ": " + run.Error
			}
		}
	}
	if failed {
		return types.SessionFailed, reason
	}
	return types.SessionCompleted, ""
}

// FilesProcessed counts files for which every run whose capability accepts
// the file has reached a terminal state. Files no enabled capability accepts
// count as processed.
func FilesProcessed(files []*types.File, descriptors map[types.CapabilityType]capability.Descriptor, runs []*types.CapabilityRun) int {
	processed := 0
	for _, f := range files {
		done := true
		for _, run := range runs {
			if run.Status.IsTerminal() {
				continue
			}
			if desc, ok := descriptors[run.Capability]; !ok || desc.Accepts(f.Path) {
				done = false
				break
			}
		}
		if done {
			processed++
		}
	}
	return processed
}

// ErrorCount is the number of runs that failed.
func ErrorCount(runs []*types.CapabilityRun) int {
	n := 0
	for _, run := range runs {
		if run.Status == types.RunFailed {
			n++
		}
	}
	return n
}
