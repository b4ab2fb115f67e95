package portbuilder

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"golang.org/x/term"
)

// The monitor is a live status board for a running scheduler.  It never
// touches scheduler state directly: every refresh posts a closure to the
// event loop, which captures a snapshot on the loop goroutine and hands it
// back over a channel.

type queueSnap struct {
	name    string
	load    int
	active  int
	waiting int
}

type portSnap struct {
	origin string
	stage  string
	state  StageState
}

type monitorSnap struct {
	queues  []queueSnap
	running []portSnap
	done    int
	failed  int
	total   int
}

type Monitor struct {
	sched *Scheduler
	app   *tview.Application

	header *tview.TextView
	body   *tview.TextView
	footer *tview.TextView

	start    time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// MonitorSupported reports whether stdout is a terminal the board can use.
func MonitorSupported() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func NewMonitor(s *Scheduler) *Monitor {
	m := &Monitor{
		sched: s,
		app:   tview.NewApplication(),
		start: time.Now(),
		stop:  make(chan struct{}),
	}

	m.header = tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false).
		SetTextAlign(tview.AlignLeft)
	m.header.SetBorder(true)
	m.header.SetTitle(fmt.Sprintf("portbuilder %s", version))

	m.body = tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false).
		SetScrollable(true)
	m.body.SetBorder(true)

	m.footer = tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(true).
		SetTextAlign(tview.AlignLeft)
	m.footer.SetBorder(true)

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(m.header, 3, 0, false).
		AddItem(m.body, 0, 1, true).
		AddItem(m.footer, 3, 0, false)

	flex.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyCtrlQ, tcell.KeyEsc:
			m.app.Stop()
			return nil
		case tcell.KeyCtrlC:
			// Same path as a terminal SIGINT: first press stops
			// admission, second kills.
			s.Loop.PostWake(func() { s.Interrupt() })
			return nil
		case tcell.KeyRune:
			if event.Rune() == 'q' {
				m.app.Stop()
				return nil
			}
		}
		return event
	})

	m.footer.SetText("[gray]Press 'q' or Ctrl+Q to close the board | Ctrl+C to interrupt the run[white]")
	m.app.SetRoot(flex, true).SetFocus(m.body)
	return m
}

// Start runs the board until Stop is called or the user closes it.  The
// scheduler keeps running either way.
func (m *Monitor) Start() {
	go m.refreshLoop()
	go func() {
		if err := m.app.Run(); err != nil {
			fmt.Fprintln(os.Stderr, "monitor:", err)
		}
	}()
}

func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
		m.app.Stop()
	})
}

func (m *Monitor) refreshLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
		}
		snap, ok := m.snapshot()
		if !ok {
			continue
		}
		m.app.QueueUpdateDraw(func() { m.render(snap) })
	}
}

// snapshot captures scheduler state on the loop goroutine.  A timeout
// covers the window where the loop has already returned.
func (m *Monitor) snapshot() (monitorSnap, bool) {
	s := m.sched
	reply := make(chan monitorSnap, 1)
	s.Loop.PostWake(func() {
		var snap monitorSnap
		for _, q := range s.Queues.Queues() {
			snap.queues = append(snap.queues, queueSnap{
				name:    q.Name,
				load:    q.Load(),
				active:  q.Active(),
				waiting: q.Waiting(),
			})
		}
		for _, p := range s.Graph.Ports() {
			snap.total++
			if p.Failed {
				snap.failed++
				continue
			}
			if p.Pipeline.Done() {
				snap.done++
				continue
			}
			for _, st := range p.Pipeline.Stages {
				if st.State == StageRunning || st.State == StageQueued {
					snap.running = append(snap.running, portSnap{
						origin: p.Origin,
						stage:  st.Name.String(),
						state:  st.State,
					})
					break
				}
			}
		}
		reply <- snap
	})
	select {
	case snap := <-reply:
		return snap, true
	case <-time.After(time.Second):
		return monitorSnap{}, false
	}
}

func (m *Monitor) render(snap monitorSnap) {
	elapsed := time.Since(m.start).Round(time.Second)
	m.header.SetText(fmt.Sprintf("[gray]elapsed %s | ports %d | done %d | failed %d[white]",
		elapsed, snap.total, snap.done, snap.failed))

	var b strings.Builder
	b.WriteString("[yellow]queue     load  active  waiting[white]\n")
	for _, q := range snap.queues {
		b.WriteString(fmt.Sprintf("%-9s %4d  %6d  %7d\n", q.name, q.load, q.active, q.waiting))
	}

	if len(snap.running) > 0 {
		sort.Slice(snap.running, func(i, j int) bool {
			return snap.running[i].origin < snap.running[j].origin
		})
		b.WriteString("\n[yellow]port                          stage     state[white]\n")
		for _, p := range snap.running {
			color := "white"
			if p.state == StageRunning {
				color = "green"
			}
			b.WriteString(fmt.Sprintf("[%s]%-29s %-9s %s[white]\n", color, p.origin, p.stage, p.state))
		}
	}
	m.body.SetText(b.String())
}
