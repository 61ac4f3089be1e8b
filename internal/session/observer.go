package session

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/steveyegge/agentflow/internal/dispatch"
	"github.com/steveyegge/agentflow/internal/events"
	"github.com/steveyegge/agentflow/internal/types"
)

// observer persists run transitions reported by the dispatcher. It is only
// called from the supervisor goroutine of its session.
type observer struct {
	m       *Manager
	session *types.Session
	runs    []*types.CapabilityRun
	files   []*types.File
	log     *logrus.Entry
}

var _ dispatch.Observer = (*observer)(nil)

func (o *observer) run(typ types.CapabilityType) *types.CapabilityRun {
	for _, r := range o.runs {
		if r.Capability == typ {
			return r
		}
	}
	return nil
}

// RunStarted marks the run running. The first start also moves the session
// from pending to running.
func (o *observer) RunStarted(typ types.CapabilityType, startedAt time.Time) {
	ctx := context.Background()
	log := o.log.WithField("capability", typ)

	if o.session.Status == types.SessionPending {
		if err := o.m.transition(ctx, o.session, types.SessionRunning, ""); err != nil {
			log.WithError(err).Error("Failed to mark session running")
		} else {
			ev, err := events.NewStatusChangeEvent(events.EventTypeSessionStarted, o.session.ID, events.SeverityInfo,
				"Session running", events.StatusChangeData{From: string(types.SessionPending), To: string(types.SessionRunning)})
			o.m.emitErr(log, ev, err)
		}
	}

	run := o.run(typ)
	if run == nil {
		log.Error("Run started for capability without a run record")
		return
	}
	run.Status = types.RunRunning
	run.StartedAt = &startedAt
	if err := o.m.store.UpdateRun(ctx, run, types.RunQueued); err != nil {
		log.WithError(err).Error("Failed to mark run running")
	}

	ev, err := events.NewRunEvent(events.EventTypeRunStarted, o.session.ID, string(typ), events.SeverityInfo,
		fmt.Sprintf("%s started", typ), events.RunOutcomeData{Status: string(types.RunRunning)})
	o.m.emitErr(log, ev, err)
}

// RunFinished stores the terminal run state and recomputes the session's
// derived counters.
func (o *observer) RunFinished(outcome dispatch.Outcome) {
	ctx := context.Background()
	log := o.log.WithField("capability", outcome.Capability)

	run := o.run(outcome.Capability)
	if run == nil {
		log.Error("Run finished for capability without a run record")
		return
	}

	from := run.Status
	completed := outcome.CompletedAt
	run.Status = outcome.Status
	run.FailureKind = outcome.FailureKind
	run.Error = outcome.Error
	run.FindingCount = outcome.FindingCount
	run.FilesAnalyzed = outcome.FilesAnalyzed
	run.Duration = outcome.Duration
	run.CompletedAt = &completed
	if outcome.StartedAt != nil {
		run.StartedAt = outcome.StartedAt
	}
	if err := o.m.store.UpdateRun(ctx, run, from); err != nil {
		log.WithError(err).Error("Failed to store run outcome")
	}

	if err := o.m.store.UpdateSessionCounters(ctx, o.session.ID,
		FilesProcessed(o.files, o.m.descriptors, o.runs), ErrorCount(o.runs)); err != nil {
		log.WithError(err).Warn("Failed to update session counters")
	}

	var (
		eventType events.EventType
		severity  events.EventSeverity
		msg       string
	)
	switch outcome.Status {
	case types.RunSucceeded:
		eventType, severity = events.EventTypeRunSucceeded, events.SeverityInfo
		msg = fmt.Sprintf("%s succeeded with %d findings", outcome.Capability, outcome.FindingCount)
	case types.RunSkipped:
		eventType, severity = events.EventTypeRunSkipped, events.SeverityWarning
		msg = fmt.Sprintf("%s skipped: %s", outcome.Capability, outcome.Error)
	default:
		eventType, severity = events.EventTypeRunFailed, events.SeverityError
		if !outcome.Required {
			severity = events.SeverityWarning
		}
		msg = fmt.Sprintf("%s failed (%s): %s", outcome.Capability, outcome.FailureKind, outcome.Error)
	}
	ev, err := events.NewRunEvent(eventType, o.session.ID, string(outcome.Capability), severity, msg, events.RunOutcomeData{
		Status:       string(outcome.Status),
		FailureKind:  string(outcome.FailureKind),
		Error:        outcome.Error,
		FindingCount: outcome.FindingCount,
		Duration:     outcome.Duration,
	})
	o.m.emitErr(log, ev, err)
}
