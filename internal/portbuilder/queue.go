package portbuilder

// Named, load-limited admission queues.  A queue never runs more than `load`
// jobs at once; everything else waits in FIFO order.  Dispatch, completion
// and load changes all happen on the event loop goroutine, so no locking is
// needed anywhere in here.

// Spawner launches the external job for a stage.  The returned kill function
// terminates the job early; done must be delivered (via the event loop)
// exactly once.  A Spawner that cannot even start the job returns an error,
// which the queue treats like a failed job.
type Spawner func(st *Stage, done func(error)) (kill func(), err error)

// Queue is one admission channel for a stage class.
type Queue struct {
	Name string

	loop  *EventLoop
	spawn Spawner

	load    int
	active  int
	waiting []*Stage
	running map[*Stage]func()

	// OnDone is called on the loop goroutine after each job completes,
	// before the next waiting stage is dispatched.
	OnDone func(st *Stage, err error)
}

func newQueue(name string, load int, loop *EventLoop, spawn Spawner) *Queue {
	return &Queue{
		Name:    name,
		loop:    loop,
		spawn:   spawn,
		load:    load,
		running: make(map[*Stage]func()),
	}
}

// Load returns the current concurrency limit.
func (q *Queue) Load() int { return q.load }

// SetLoad adjusts the limit.  Raising it dispatches waiting stages; zero
// pauses dispatch entirely without discarding the queue.
func (q *Queue) SetLoad(load int) {
	run := load > q.load
	q.load = load
	if run {
		q.dispatch()
	}
}

// Len counts stages owned by the queue, waiting or running.
func (q *Queue) Len() int { return len(q.waiting) + q.active }

// Active counts running jobs.
func (q *Queue) Active() int { return q.active }

// Waiting counts stages awaiting a free slot.
func (q *Queue) Waiting() int { return len(q.waiting) }

// Submit appends a runnable stage.  If a slot is free it is dispatched
// immediately, otherwise it waits its turn.
func (q *Queue) Submit(st *Stage) {
	st.State = StageQueued
	q.waiting = append(q.waiting, st)
	q.dispatch()
}

func (q *Queue) dispatch() {
	for q.active < q.load && len(q.waiting) > 0 {
		st := q.waiting[0]
		q.waiting = q.waiting[1:]
		q.start(st)
	}
}

func (q *Queue) start(st *Stage) {
	st.State = StageRunning
	q.active++
	q.loop.JobStarted()

	completed := false
	done := func(err error) {
		if completed {
			return
		}
		completed = true
		q.loop.JobDone()
		q.active--
		delete(q.running, st)
		if q.OnDone != nil {
			q.OnDone(st, err)
		}
		q.dispatch()
	}

	kill, err := q.spawn(st, done)
	if err != nil {
		// Could not even start the job; same as a non-zero exit.
		q.loop.Post(func() { done(err) })
		return
	}
	q.running[st] = kill
}

// Remove withdraws a stage that is still waiting for a slot.  Running jobs
// cannot be withdrawn, only killed.
func (q *Queue) Remove(st *Stage) bool {
	for i, s := range q.waiting {
		if s == st {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			st.State = StagePending
			return true
		}
	}
	return false
}

// KillAll terminates every running job.  The stages are marked failed right
// away so reports are accurate even when the loop is aborted before the
// completion events run.
func (q *Queue) KillAll() {
	for st, kill := range q.running {
		st.State = StageFailed
		st.Port.Failed = true
		if kill != nil {
			kill()
		}
	}
}

// QueueManager holds the fixed set of stage queues.
type QueueManager struct {
	loop   *EventLoop
	queues []*Queue
	byName map[string]*Queue
}

// queueNames in dispatch-class order; DEPEND runs on the attr queue.
var queueNames = []string{"attr", "checksum", "fetch", "build", "install", "package", "clean"}

func NewQueueManager(cfg *Config, loop *EventLoop, spawn Spawner) *QueueManager {
	m := &QueueManager{loop: loop, byName: make(map[string]*Queue)}
	for _, name := range queueNames {
		q := newQueue(name, cfg.queueLoad(name), loop, spawn)
		m.queues = append(m.queues, q)
		m.byName[name] = q
	}
	return m
}

// Queue returns the named queue, or nil.
func (m *QueueManager) Queue(name string) *Queue { return m.byName[name] }

// Queues returns all queues in class order.
func (m *QueueManager) Queues() []*Queue { return m.queues }

// ForStage maps a stage to its admission queue.
func (m *QueueManager) ForStage(name StageName) *Queue {
	switch name {
	case StageDepend:
		return m.byName["attr"]
	case StageChecksum:
		return m.byName["checksum"]
	case StageFetch:
		return m.byName["fetch"]
	case StageBuild:
		return m.byName["build"]
	case StageInstall:
		return m.byName["install"]
	case StagePackage:
		return m.byName["package"]
	case StageClean:
		return m.byName["clean"]
	}
	return nil
}

// SetOnDone installs the completion callback on every queue.
func (m *QueueManager) SetOnDone(fn func(st *Stage, err error)) {
	for _, q := range m.queues {
		q.OnDone = fn
	}
}

// Loads snapshots the current limits, for the facade's pause/restore cycle.
func (m *QueueManager) Loads() map[string]int {
	out := make(map[string]int, len(m.queues))
	for _, q := range m.queues {
		out[q.Name] = q.load
	}
	return out
}

// SetLoads applies a snapshot taken with Loads.
func (m *QueueManager) SetLoads(loads map[string]int) {
	for name, load := range loads {
		if q := m.byName[name]; q != nil {
			q.SetLoad(load)
		}
	}
}

// PauseAll zeroes every load: running jobs finish, nothing new dispatches.
func (m *QueueManager) PauseAll() {
	for _, q := range m.queues {
		q.SetLoad(0)
	}
}

// Busy counts running jobs across all queues.
func (m *QueueManager) Busy() int {
	n := 0
	for _, q := range m.queues {
		n += q.active
	}
	return n
}

// Outstanding counts stages waiting or running anywhere.
func (m *QueueManager) Outstanding() int {
	n := 0
	for _, q := range m.queues {
		n += q.Len()
	}
	return n
}

// KillAll terminates every running job in every queue.
func (m *QueueManager) KillAll() {
	for _, q := range m.queues {
		q.KillAll()
	}
}
