package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/steveyegge/agentflow/internal/capability"
	"github.com/steveyegge/agentflow/internal/types"
)

// DefaultConcurrency is the number of capability invocations allowed in flight
// when Config.Concurrency is unset.
const DefaultConcurrency = 4

// Recorder durably appends findings. Implementations must be safe for
// concurrent use; the dispatcher calls Record from worker goroutines.
type Recorder interface {
	// Record appends one finding and reports whether a new row was created.
	// Re-delivery of a finding with the same natural key is not an error.
	Record(ctx context.Context, sessionID string, capType types.CapabilityType, f *types.Finding) (bool, error)
}

// Observer is notified of run transitions. Calls are made from the
// supervisor goroutine only, one at a time, in the order transitions happen.
type Observer interface {
	RunStarted(typ types.CapabilityType, startedAt time.Time)
	RunFinished(outcome Outcome)
}

// Config configures a Dispatcher.
type Config struct {
	// Concurrency bounds in-flight capability invocations (default 4).
	Concurrency int
	Logger      *logrus.Logger
}

// Request is one session's worth of work.
type Request struct {
	SessionID string
	Files     []*types.File
	// Settings are the resolved capabilities in declared order.
	Settings []capability.Settings
	// RunIDs stamps findings with their capability run, keyed by type.
	RunIDs map[types.CapabilityType]string
}

// Outcome is the terminal state of one capability run.
type Outcome struct {
	Capability    types.CapabilityType
	Required      bool
	Status        types.RunStatus
	FailureKind   types.FailureKind
	Error         string
	Summary       string
	FindingCount  int
	FilesAnalyzed int
	StartedAt     *time.Time
	CompletedAt   time.Time
	Duration      time.Duration
}

// Failed reports whether the run failed or was skipped.
func (o Outcome) Failed() bool {
	return o.Status == types.RunFailed || o.Status == types.RunSkipped
}

// Result is what a dispatch produced.
type Result struct {
	Order    []types.CapabilityType
	Outcomes []Outcome // declared order
}

// Outcome returns the outcome for typ.
func (r *Result) Outcome(typ types.CapabilityType) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.Capability == typ {
			return o, true
		}
	}
	return Outcome{}, false
}

// Dispatcher supervises capability execution for sessions.
//
// Each Dispatch call runs a single supervisor loop: it launches ready
// capabilities into worker goroutines, waits for the first completion,
// re-evaluates readiness and repeats. Only the supervisor mutates run state.
type Dispatcher struct {
	registry    *capability.Registry
	recorder    Recorder
	concurrency int
	log         *logrus.Entry
}

// NewDispatcher creates a dispatcher over a registry and result sink.
func NewDispatcher(registry *capability.Registry, recorder Recorder, cfg Config) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Dispatcher{
		registry:    registry,
		recorder:    recorder,
		concurrency: cfg.Concurrency,
		log:         logger.WithField("component", "dispatcher"),
	}
}

// Concurrency returns the configured in-flight limit.
func (d *Dispatcher) Concurrency() int {
	return d.concurrency
}

// Plan builds and validates the execution plan for settings without running
// anything.
func (d *Dispatcher) Plan(settings []capability.Settings) (*Plan, error) {
	enabled := make([]types.CapabilityType, 0, len(settings))
	for _, s := range settings {
		enabled = append(enabled, s.Type)
	}
	return BuildPlan(d.registry, enabled)
}

type runState struct {
	settings capability.Settings
	cap      capability.Capability
	status   types.RunStatus
	output   *capability.Output
	outcome  Outcome
}

type completion struct {
	typ     types.CapabilityType
	outcome Outcome
	output  *capability.Output
}

// Dispatch runs every capability in req and blocks until all of them reached
// a terminal state. Configuration errors (unknown capability, cycle) are
// returned before any capability is invoked. Capability failures never make
// Dispatch return an error; they are reported in the Result.
//
// Cancelling ctx skips queued runs and signals in-flight invocations to stop.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, obs Observer) (*Result, error) {
	plan, err := d.Plan(req.Settings)
	if err != nil {
		return nil, err
	}

	states := make(map[types.CapabilityType]*runState, len(req.Settings))
	for _, s := range req.Settings {
		c, err := d.registry.Resolve(s.Type)
		if err != nil {
			return nil, err
		}
		states[s.Type] = &runState{settings: s, cap: c, status: types.RunQueued}
	}

	log := d.log.WithField("session", req.SessionID)
	log.WithField("order", plan.Order()).Debug("Dispatch plan ready")

	completions := make(chan completion)
	running := 0

	finish := func(typ types.CapabilityType, o Outcome) {
		st := states[typ]
		st.status = o.Status
		st.outcome = o
		if obs != nil {
			obs.RunFinished(o)
		}
	}

	for {
		// Skip pass, in topological order so a skip cascades in one sweep
		for _, typ := range plan.Order() {
			st := states[typ]
			if st.status != types.RunQueued {
				continue
			}
			if ctx.Err() != nil {
				finish(typ, skipped(st.settings, types.FailureCancelled, "session cancelled"))
				continue
			}
			for _, dep := range plan.DependenciesOf(typ) {
				if s := states[dep].status; s == types.RunFailed || s == types.RunSkipped {
					finish(typ, skipped(st.settings, types.FailureDependency, fmt.Sprintf("dependency %s %s", dep, s)))
					log.WithFields(logrus.Fields{"capability": typ, "dependency": dep}).Info("Skipping capability: dependency did not succeed")
					break
				}
			}
		}

		// Launch pass, in declared order so the tie-break is deterministic
		for _, typ := range plan.Declared() {
			if running >= d.concurrency {
				break
			}
			st := states[typ]
			if st.status != types.RunQueued || !d.ready(plan, states, typ) {
				continue
			}

			prior := make(map[types.CapabilityType]*capability.Output)
			for _, dep := range plan.DependenciesOf(typ) {
				prior[dep] = states[dep].output
			}

			started := time.Now()
			st.status = types.RunRunning
			if obs != nil {
				obs.RunStarted(typ, started)
			}
			running++

			j := job{
				sessionID: req.SessionID,
				runID:     req.RunIDs[typ],
				settings:  st.settings,
				cap:       st.cap,
				files:     st.cap.Descriptor().Filter(req.Files),
				prior:     prior,
				started:   started,
			}
			go func() {
				o, out := d.execute(ctx, j, log.WithField("capability", j.settings.Type))
				completions <- completion{typ: j.settings.Type, outcome: o, output: out}
			}()
		}

		if running == 0 {
			break
		}

		c := <-completions
		running--
		states[c.typ].output = c.output
		finish(c.typ, c.outcome)
	}

	result := &Result{Order: plan.Order()}
	for _, s := range req.Settings {
		result.Outcomes = append(result.Outcomes, states[s.Type].outcome)
	}
	return result, nil
}

// ready reports whether every enabled dependency of typ succeeded.
func (d *Dispatcher) ready(plan *Plan, states map[types.CapabilityType]*runState, typ types.CapabilityType) bool {
	for _, dep := range plan.DependenciesOf(typ) {
		if states[dep].status != types.RunSucceeded {
			return false
		}
	}
	return true
}

type job struct {
	sessionID string
	runID     string
	settings  capability.Settings
	cap       capability.Capability
	files     []*types.File
	prior     map[types.CapabilityType]*capability.Output
	started   time.Time
	trial     bool
}

type invocation struct {
	out      *capability.Output
	err      error
	panicked bool
}

// execute runs one capability under its timeout, then records its findings.
// It never panics and always returns a terminal outcome.
func (d *Dispatcher) execute(ctx context.Context, j job, log *logrus.Entry) (Outcome, *capability.Output) {
	started := j.started
	o := Outcome{
		Capability: j.settings.Type,
		Required:   j.settings.Required,
		StartedAt:  &started,
	}
	done := func(status types.RunStatus, kind types.FailureKind, msg string) Outcome {
		o.Status = status
		o.FailureKind = kind
		o.Error = msg
		o.CompletedAt = time.Now()
		o.Duration = o.CompletedAt.Sub(started)
		return o
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if j.settings.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, j.settings.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	// Buffered so an abandoned invocation can still deliver and exit
	results := make(chan invocation, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.WithField("stack", string(debug.Stack())).Errorf("Capability panicked: %v", r)
				results <- invocation{err: fmt.Errorf("panic: %v", r), panicked: true}
			}
		}()
		out, err := j.cap.Run(runCtx, capability.Input{
			SessionID: j.sessionID,
			Files:     j.files,
			Options:   j.settings.Options,
			Prior:     j.prior,
		})
		results <- invocation{out: out, err: err}
	}()

	var inv invocation
	returned := false
	select {
	case inv = <-results:
		returned = true
	case <-runCtx.Done():
	}

	if inv.panicked {
		return done(types.RunFailed, types.FailurePanic, inv.err.Error()), nil
	}
	if !returned || inv.err != nil {
		switch {
		case ctx.Err() != nil:
			return done(types.RunFailed, types.FailureCancelled, "cancelled: "+context.Cause(ctx).Error()), nil
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			err := fmt.Errorf("%w after %s", types.ErrTimeout, j.settings.Timeout)
			log.WithField("timeout", j.settings.Timeout).Warn("Capability timed out")
			return done(types.RunFailed, types.FailureTimeout, err.Error()), nil
		default:
			log.WithError(inv.err).Warn("Capability failed")
			return done(types.RunFailed, types.FailureCapability, inv.err.Error()), nil
		}
	}

	out := inv.out
	if out == nil {
		out = &capability.Output{}
	}
	o.Summary = out.Summary
	o.FilesAnalyzed = out.FilesAnalyzed

	for _, f := range out.Findings {
		if err := f.Validate(); err != nil {
			return done(types.RunFailed, types.FailureCapability, fmt.Sprintf("invalid finding %q: %v", f.Target, err)), nil
		}
		if j.trial {
			f.Capability = j.settings.Type
			o.FindingCount++
			continue
		}
		f.RunID = j.runID
		inserted, err := d.recorder.Record(ctx, j.sessionID, j.settings.Type, f)
		if err != nil {
			if ctx.Err() != nil {
				return done(types.RunFailed, types.FailureCancelled, "cancelled: "+context.Cause(ctx).Error()), nil
			}
			log.WithError(err).Error("Recording finding failed")
			return done(types.RunFailed, types.FailureSink, fmt.Sprintf("recording findings: %v", err)), nil
		}
		if inserted {
			o.FindingCount++
		}
	}

	log.WithFields(logrus.Fields{
		"findings": o.FindingCount,
		"files":    o.FilesAnalyzed,
	}).Info("Capability succeeded")
	return done(types.RunSucceeded, types.FailureNone, ""), out
}

// Trial invokes one capability outside any session, under the same timeout
// and panic isolation as Dispatch. Findings are validated and returned, never
// recorded. Dependencies are not run; the capability sees no prior output.
func (d *Dispatcher) Trial(ctx context.Context, s capability.Settings, files []*types.File) (Outcome, *capability.Output, error) {
	c, err := d.registry.Resolve(s.Type)
	if err != nil {
		return Outcome{}, nil, err
	}
	j := job{
		trial:    true,
		settings: s,
		cap:      c,
		files:    c.Descriptor().Filter(files),
		started:  time.Now(),
	}
	o, out := d.execute(ctx, j, d.log.WithFields(logrus.Fields{"capability": s.Type, "trial": true}))
	return o, out, nil
}

func skipped(s capability.Settings, kind types.FailureKind, reason string) Outcome {
	return Outcome{
		Capability:  s.Type,
		Required:    s.Required,
		Status:      types.RunSkipped,
		FailureKind: kind,
		Error:       reason,
		CompletedAt: time.Now(),
	}
}
