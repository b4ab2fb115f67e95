package portbuilder

import "os"

// Scheduler is the top-level orchestration: it registers requested ports,
// wires dependency discovery into the graph and drives the event loop to
// quiescence.

type Scheduler struct {
	Cfg    *Config
	Loop   *EventLoop
	Queues *QueueManager
	Graph  *Graph
	Exec   *Executor

	Sigint  *Signal[os.Signal]
	Sigterm *Signal[os.Signal]

	stopSignals func()
	interrupts  int
	stopping    bool
	savedLoads  map[string]int
}

// NewScheduler assembles the full engine: executor-backed queues, the graph
// and the on-disk collaborators.
func NewScheduler(cfg *Config) *Scheduler {
	loop := NewEventLoop()
	exec := NewExecutor(cfg, loop)
	return assembleScheduler(cfg, loop, exec.Spawn, nil, NewPkgDB(cfg), exec)
}

// newSchedulerWith swaps collaborators out, a seam for tests: a fake spawner
// runs stages in-process, a fake lookup and DB avoid the filesystem.
func newSchedulerWith(cfg *Config, spawn Spawner, lookup PortLookup, pkgdb InstalledDB) *Scheduler {
	loop := NewEventLoop()
	return assembleScheduler(cfg, loop, spawn, lookup, pkgdb, nil)
}

func assembleScheduler(cfg *Config, loop *EventLoop, spawn Spawner, lookup PortLookup, pkgdb InstalledDB, exec *Executor) *Scheduler {
	s := &Scheduler{
		Cfg:  cfg,
		Loop: loop,
		Exec: exec,
	}
	s.Queues = NewQueueManager(cfg, loop, spawn)
	s.Graph = NewGraph(cfg, loop, lookup, pkgdb)
	s.Graph.submit = s.submit
	s.Graph.halt = s.haltPort
	s.Queues.SetOnDone(s.Graph.StageDone)
	return s
}

// GetPort returns the deduplicated port for an origin, triggering discovery
// and resolution if it is new.
func (s *Scheduler) GetPort(origin string) *Port {
	p := s.Graph.Port(origin)
	s.Graph.Schedule(p)
	return p
}

// Add registers an explicitly requested port.
func (s *Scheduler) Add(origin string) *Port {
	p := s.Graph.Port(origin)
	p.Explicit = true
	s.Graph.Schedule(p)
	return p
}

// submit admits a runnable stage unless a graceful stop is in progress.
func (s *Scheduler) submit(st *Stage) {
	if st == nil || s.stopping {
		return
	}
	if q := s.Queues.ForStage(st.Name); q != nil {
		q.Submit(st)
	}
}

// haltPort withdraws a failed port's queued stages.  Running jobs finish on
// their own; pending stages simply never get submitted.
func (s *Scheduler) haltPort(p *Port) {
	for _, st := range p.Pipeline.Stages {
		if st.State == StageQueued {
			if q := s.Queues.ForStage(st.Name); q != nil {
				q.Remove(st)
			}
		}
	}
}

// WatchSignals wires SIGINT/SIGTERM into the loop.  A first interrupt stops
// admission and lets running jobs finish; a second interrupt, or SIGTERM,
// kills everything in flight and aborts the loop.
func (s *Scheduler) WatchSignals() {
	var sigint, sigterm *Signal[os.Signal]
	sigint, sigterm, s.stopSignals = WatchSignals(s.Loop)
	s.Sigint = sigint
	s.Sigterm = sigterm
	sigint.Connect(func(os.Signal) { s.Interrupt() })
	sigterm.Connect(func(os.Signal) { s.Terminate() })
}

// StopSignals uninstalls the OS signal handler.
func (s *Scheduler) StopSignals() {
	if s.stopSignals != nil {
		s.stopSignals()
		s.stopSignals = nil
	}
}

// Interrupt implements the two-step cancellation policy.
func (s *Scheduler) Interrupt() {
	s.interrupts++
	if s.interrupts == 1 {
		colArrow.Print("\n-> ")
		colWarn.Println("Interrupted: waiting for running jobs, press again to kill them")
		s.stop()
		return
	}
	s.Terminate()
}

// Terminate kills all in-flight jobs and aborts the loop immediately.
func (s *Scheduler) Terminate() {
	s.stop()
	s.Queues.KillAll()
	s.Loop.Abort()
}

// stop freezes admission: loads go to zero, queued entries stay put.
func (s *Scheduler) stop() {
	if s.stopping {
		return
	}
	s.stopping = true
	if s.savedLoads == nil {
		s.savedLoads = s.Queues.Loads()
	}
	s.Queues.PauseAll()
}

// Stopping reports whether a graceful stop is in progress.
func (s *Scheduler) Stopping() bool { return s.stopping }

// Aborted reports whether the run was cut short by a kill.
func (s *Scheduler) Aborted() bool { return s.Loop.Aborted() }

// ConfigureOnly prepares a first pass that resolves dependency metadata
// without executing build stages: every queue except attr is paused.  After
// Run returns the caller can inspect the plan, then call Execute.
func (s *Scheduler) ConfigureOnly() {
	s.savedLoads = s.Queues.Loads()
	for _, q := range s.Queues.Queues() {
		if q.Name != "attr" {
			q.SetLoad(0)
		}
	}
}

// Execute restores the paused loads for the second pass.  The restored
// queues dispatch whatever accumulated while they were at load zero.  A
// no-op once a stop is in progress: an interrupt between the passes wins.
func (s *Scheduler) Execute() {
	if s.stopping || s.savedLoads == nil {
		return
	}
	s.Queues.SetLoads(s.savedLoads)
	s.savedLoads = nil
}

// Run drives the event loop until total quiescence: no pending events, no
// outstanding jobs.  It may be called again after adjusting state, e.g. for
// the Execute second pass.
func (s *Scheduler) Run() {
	s.Loop.Run()
}

// Quiescent reports whether no stage anywhere is pending, queued or
// running.  This is the facade's termination condition.
func (s *Scheduler) Quiescent() bool {
	for _, p := range s.Graph.Ports() {
		if p.Failed {
			continue
		}
		// A notified port has satisfied its dependents, but its package
		// and clean stages may still be outstanding work.
		for _, st := range p.Pipeline.Stages {
			if !st.State.Terminal() {
				return false
			}
		}
	}
	return true
}
