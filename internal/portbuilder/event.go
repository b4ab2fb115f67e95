package portbuilder

// EventLoop is the single control thread of the scheduler.  Every mutation of
// port, stage and queue state happens on the goroutine that called Run; the
// only true parallelism are the external jobs, whose completions re-enter the
// loop through the wake channel.

// Event is one unit of deferred work.
type Event func()

// EventLoop runs queued events in post order until nothing is pending and no
// external job is outstanding.
type EventLoop struct {
	pending []Event
	wake    chan Event
	jobs    int
	aborted bool
}

func NewEventLoop() *EventLoop {
	return &EventLoop{wake: make(chan Event, 64)}
}

// Post queues an event to run after the current one finishes.  Listeners may
// post further events; deep dependency chains therefore never grow the call
// stack.  Must be called from the loop goroutine.
func (l *EventLoop) Post(ev Event) {
	l.pending = append(l.pending, ev)
}

// PostWake queues an event from outside the loop goroutine (job watchers, the
// OS signal forwarder).  Safe for concurrent use.
func (l *EventLoop) PostWake(ev Event) {
	l.wake <- ev
}

// JobStarted records an external job in flight.  Run does not return while
// any job is outstanding.
func (l *EventLoop) JobStarted() {
	l.jobs++
}

// JobDone is the counterpart of JobStarted, called from the completion event.
func (l *EventLoop) JobDone() {
	l.jobs--
}

// Jobs reports the number of outstanding external jobs.
func (l *EventLoop) Jobs() int {
	return l.jobs
}

// Abort makes Run return as soon as the current event finishes, even with
// jobs still outstanding.  Used by the second-interrupt path after the jobs
// have been killed.
func (l *EventLoop) Abort() {
	l.aborted = true
}

// Aborted reports whether the previous Run was cut short by Abort.
func (l *EventLoop) Aborted() bool {
	return l.aborted
}

// Pending reports the number of queued events.
func (l *EventLoop) Pending() int {
	return len(l.pending)
}

// Run drains the event queue.  It returns once no events remain and no queue
// holds an outstanding job.  Callers may adjust state (queue loads, new
// ports) and call Run again: the loop is re-enterable.
func (l *EventLoop) Run() {
	for !l.aborted {
		for len(l.pending) > 0 && !l.aborted {
			ev := l.pending[0]
			l.pending = l.pending[1:]
			ev()
		}
		if l.aborted {
			break
		}

		// Pull in anything that arrived while events were running.
		select {
		case ev := <-l.wake:
			l.pending = append(l.pending, ev)
			continue
		default:
		}

		if l.jobs == 0 {
			return
		}

		// Jobs in flight and nothing to do: sleep until a completion or a
		// signal wakes us.
		l.pending = append(l.pending, <-l.wake)
	}
}
