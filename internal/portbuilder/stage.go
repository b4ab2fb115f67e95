package portbuilder

// The build pipeline is a fixed, ordered set of stages.  Each port owns one
// instance of the (possibly trimmed) pipeline; stages move strictly forward
// and a failure halts everything after it for that port.

// StageName identifies one pipeline step.
type StageName int

const (
	StageDepend StageName = iota
	StageChecksum
	StageFetch
	StageBuild
	StageInstall
	StagePackage
	StageClean
)

var stageNames = [...]string{"depend", "checksum", "fetch", "build", "install", "package", "clean"}

func (n StageName) String() string {
	if n < 0 || int(n) >= len(stageNames) {
		return "unknown"
	}
	return stageNames[n]
}

// StageState tracks one stage through its lifecycle.
type StageState int

const (
	StagePending StageState = iota
	StageQueued
	StageRunning
	StageDone
	StageFailed
	StageSkipped
)

var stageStates = [...]string{"pending", "queued", "running", "done", "failed", "skipped"}

func (s StageState) String() string {
	if s < 0 || int(s) >= len(stageStates) {
		return "unknown"
	}
	return stageStates[s]
}

// Terminal reports whether no further transition is possible.
func (s StageState) Terminal() bool {
	return s == StageDone || s == StageFailed || s == StageSkipped
}

// Stack is a maximal run of consecutive stages sharing one pass/fail verdict.
// Failure is monotonic: once a member stage fails, the stack stays failed.
// Stacks exist for cause reporting only; control flow is per stage.
type Stack struct {
	Name   string
	failed bool
	cause  StageName
}

func (k *Stack) Fail(cause StageName) {
	if !k.failed {
		k.failed = true
		k.cause = cause
	}
}

func (k *Stack) Failed() bool { return k.failed }

// Cause returns the stage that first failed the stack.
func (k *Stack) Cause() StageName { return k.cause }

// Stage is one pipeline step for one port.
type Stage struct {
	Name  StageName
	Port  *Port
	State StageState
	Prev  *Stage
	Stack *Stack
}

// Pipeline holds the per-port stage sequence.  The prepare stack covers
// everything up to fetch, the build stack the rest; a failure in the
// prepare stack fails both, matching how a broken distfile poisons every
// later step.
type Pipeline struct {
	Port    *Port
	Stages  []*Stage
	prepare *Stack
	build   *Stack
}

// pipelineStages returns the stage set for the run policy.  Fetch-only trims
// everything after FETCH; package mode adds PACKAGE between INSTALL and
// CLEAN.
func pipelineStages(cfg *Config) []StageName {
	if cfg.FetchOnly {
		return []StageName{StageDepend, StageChecksum, StageFetch}
	}
	names := []StageName{StageDepend, StageChecksum, StageFetch, StageBuild, StageInstall}
	if cfg.Package {
		names = append(names, StagePackage)
	}
	return append(names, StageClean)
}

func newPipeline(p *Port, names []StageName) *Pipeline {
	pl := &Pipeline{
		Port:    p,
		prepare: &Stack{Name: "prepare"},
		build:   &Stack{Name: "build"},
	}
	var prev *Stage
	for _, name := range names {
		stack := pl.prepare
		if name >= StageBuild {
			stack = pl.build
		}
		st := &Stage{Name: name, Port: p, State: StagePending, Prev: prev, Stack: stack}
		pl.Stages = append(pl.Stages, st)
		prev = st
	}
	return pl
}

// First returns the initial stage.
func (pl *Pipeline) First() *Stage {
	if len(pl.Stages) == 0 {
		return nil
	}
	return pl.Stages[0]
}

// Next returns the stage after st, or nil at the end of the pipeline.
func (pl *Pipeline) Next(st *Stage) *Stage {
	for i, s := range pl.Stages {
		if s == st && i+1 < len(pl.Stages) {
			return pl.Stages[i+1]
		}
	}
	return nil
}

// Stage returns the pipeline's instance of the named stage, or nil if the
// policy trimmed it.
func (pl *Pipeline) Stage(name StageName) *Stage {
	for _, s := range pl.Stages {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// fail marks st failed and propagates the verdict to its stack.  A failure
// in the prepare stack retroactively fails the build stack too.
func (pl *Pipeline) fail(st *Stage) {
	st.State = StageFailed
	st.Stack.Fail(st.Name)
	if st.Stack == pl.prepare {
		pl.build.Fail(st.Name)
	}
}

// SkipRemaining marks every non-terminal stage skipped.  Used when policy
// decides the port does not need building, and on graceful shutdown.
func (pl *Pipeline) SkipRemaining() {
	for _, s := range pl.Stages {
		if !s.State.Terminal() && s.State != StageRunning {
			s.State = StageSkipped
		}
	}
}

// Done reports whether every stage reached a terminal state.
func (pl *Pipeline) Done() bool {
	for _, s := range pl.Stages {
		if !s.State.Terminal() {
			return false
		}
	}
	return true
}

// FailedStacks lists the names of stacks holding a failed verdict.
func (pl *Pipeline) FailedStacks() []string {
	var out []string
	if pl.prepare.Failed() {
		out = append(out, pl.prepare.Name)
	}
	if pl.build.Failed() {
		out = append(out, pl.build.Name)
	}
	return out
}
