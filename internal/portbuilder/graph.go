package portbuilder

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// The dependency graph owns the process-wide port table and decides, per
// port, whether it builds or is already satisfied.  All graph mutation runs
// on the event loop goroutine.

// PortLookup answers whether an origin exists in the ports tree, without
// running a job.  Used to distinguish unresolved names from real ports.
type PortLookup interface {
	Exists(origin string) bool
}

// InstalledDB is the installed-package database contract: the installed
// version for a package name, if any.
type InstalledDB interface {
	InstalledVersion(name string) (string, bool)
}

// treeLookup checks the ports tree on disk.
type treeLookup struct {
	cfg *Config
}

func (t treeLookup) Exists(origin string) bool {
	if origin == "" || strings.HasPrefix(origin, "/") || strings.Contains(origin, "..") {
		return false
	}
	info, err := os.Stat(t.cfg.PortDir(origin))
	return err == nil && info.IsDir()
}

// Graph builds and holds the port DAG.
type Graph struct {
	cfg   *Config
	loop  *EventLoop
	ports map[string]*Port // dedup table, one entry per origin forever
	order []*Port          // creation order, for stable reporting

	lookup PortLookup
	pkgdb  InstalledDB

	// submit hands a runnable stage to its queue and halt withdraws a
	// port's queued stages; both are installed by the scheduler facade.
	submit func(st *Stage)
	halt   func(p *Port)
}

func NewGraph(cfg *Config, loop *EventLoop, lookup PortLookup, pkgdb InstalledDB) *Graph {
	if lookup == nil {
		lookup = treeLookup{cfg: cfg}
	}
	return &Graph{
		cfg:    cfg,
		loop:   loop,
		ports:  make(map[string]*Port),
		lookup: lookup,
		pkgdb:  pkgdb,
	}
}

// Port returns the deduplicated port for an origin, creating it on first
// sight.  The same origin always yields the identical *Port.
func (g *Graph) Port(origin string) *Port {
	if p, ok := g.ports[origin]; ok {
		return p
	}
	p := &Port{
		Origin:  origin,
		Method:  MethodBuild,
		Force:   g.cfg.Force,
		Upgrade: g.cfg.Upgrade,
		LogFile: filepath.Join(g.cfg.LogDir, strings.ReplaceAll(origin, "/", "_")+".log"),
	}
	p.StageCompleted = NewSignal[*Port](g.loop, "stage_completed")
	p.Dependency = newDependency(p)
	p.Dependent = newDependent(p)
	p.Pipeline = newPipeline(p, pipelineStages(g.cfg))
	g.ports[origin] = p
	g.order = append(g.order, p)
	return p
}

// Get returns an existing port without creating one.
func (g *Graph) Get(origin string) (*Port, bool) {
	p, ok := g.ports[origin]
	return p, ok
}

// Ports returns every known port in creation order.
func (g *Graph) Ports() []*Port { return g.order }

// Schedule puts a port's discovery on the attr queue, once.
func (g *Graph) Schedule(p *Port) {
	if p.scheduled || p.Failed {
		return
	}
	p.scheduled = true
	if !g.lookup.Exists(p.Origin) {
		p.Err = fmt.Errorf("%s: %w", p.Origin, errPortNotFound)
		g.failPort(p)
		return
	}
	g.submit(p.Pipeline.Stage(StageDepend))
}

// StageDone feeds one stage outcome back into the graph: advance on
// success, halt and propagate on failure.
func (g *Graph) StageDone(st *Stage, err error) {
	p := st.Port
	if p.Failed {
		// Late completion of a port something else already failed
		// (a kill, a dependency, a cycle).  Nothing left to decide,
		// but the stage still needs a terminal state so status views
		// stop showing it as running.
		if err != nil {
			st.State = StageFailed
		} else {
			st.State = StageDone
		}
		return
	}
	if err != nil {
		p.Pipeline.fail(st)
		if p.Err == nil {
			p.Err = fmt.Errorf("%s %s: %w", p.Origin, st.Name, err)
		}
		g.failPort(p)
		return
	}
	st.State = StageDone
	p.StageCompleted.Emit(p)

	if st.Name == StageDepend {
		g.dependsDiscovered(p)
		return
	}

	next := p.Pipeline.Next(st)
	if next == nil || st.Name == StageInstall {
		// Install makes the port usable; dependents do not wait for
		// packaging or cleanup.
		g.portSatisfied(p)
	}
	if next != nil && next.State == StagePending {
		g.submit(next)
	}
}

// dependsDiscovered runs after a port's DEPEND stage succeeded: the
// attributes are loaded and the declared dependency origins are known.  It
// computes the install status, decides skip-vs-build, wires the edges and
// recursively schedules unseen dependencies.
func (g *Graph) dependsDiscovered(p *Port) {
	p.InstallStatus = g.installStatus(p)

	// Already satisfied and nothing forcing a rebuild: the rest of the
	// pipeline is skipped and no dependency work is scheduled.
	if !p.NeedsBuild() {
		p.Dependency.State = Resolved
		p.Pipeline.SkipRemaining()
		g.portSatisfied(p)
		return
	}

	if err := g.chooseMethod(p); err != nil {
		p.Err = err
		g.failPort(p)
		return
	}

	p.Dependency.State = Resolving
	for _, origin := range p.Attr.Depends {
		if origin == p.Origin {
			continue
		}
		if !g.lookup.Exists(origin) {
			// Unresolved name: recorded as-is, treated like a failed
			// dependency for propagation.
			p.Dependency.Entries = append(p.Dependency.Entries, DependEntry{Name: origin})
			continue
		}

		dep := g.Port(origin)
		if cycle := g.findCycle(dep, p); cycle != nil {
			g.failCycle(append(cycle, p))
			return
		}
		p.Dependency.Entries = append(p.Dependency.Entries, DependEntry{Name: origin, Port: dep})
		dep.Dependent.add(p)
		if !dep.notified && !dep.Failed {
			p.Dependency.outstanding++
		}
		g.Schedule(dep)
	}
	p.Dependency.State = Resolved

	if p.Dependency.recompute() {
		g.failPort(p)
		return
	}
	if p.Dependency.outstanding == 0 {
		g.advance(p, StageDepend)
	}
}

// installStatus compares the installed package with the port's version.
func (g *Graph) installStatus(p *Port) InstallStatus {
	installed, ok := g.pkgdb.InstalledVersion(p.Attr.Name)
	if !ok {
		return Absent
	}
	switch compareVersions(installed, p.Attr.Version) {
	case -1:
		return Older
	case 1:
		return Newer
	}
	return Current
}

// chooseMethod picks the first applicable resolution method from the run's
// ordered list.  No applicable method is a distinct, terminal failure.
func (g *Graph) chooseMethod(p *Port) error {
	for _, method := range g.cfg.Methods {
		switch method {
		case MethodBuild:
			p.setMethod(g.cfg, MethodBuild)
			return nil
		case MethodPackage:
			if _, err := os.Stat(filepath.Join(g.cfg.BinDir, packageFilename(g.cfg, p.Attr))); err == nil {
				p.setMethod(g.cfg, MethodPackage)
				return nil
			}
		case MethodRepo:
			if g.cfg.Values["PB_MIRROR_BUCKET"] != "" {
				p.setMethod(g.cfg, MethodRepo)
				return nil
			}
		}
	}
	return fmt.Errorf("%s: %w", p.Origin, errNoMethod)
}

// findCycle looks for p in the dependency closure of dep.  It returns the
// path dep..q (the ports that lead back to p) when adding the edge
// p -> dep would close a cycle, nil otherwise.
func (g *Graph) findCycle(dep, p *Port) []*Port {
	if dep == p {
		return []*Port{}
	}
	seen := map[*Port]bool{}
	var walk func(q *Port) []*Port
	walk = func(q *Port) []*Port {
		if seen[q] {
			return nil
		}
		seen[q] = true
		for _, e := range q.Dependency.Entries {
			if e.Port == nil {
				continue
			}
			if e.Port == p {
				return []*Port{q}
			}
			if path := walk(e.Port); path != nil {
				return append([]*Port{q}, path...)
			}
		}
		return nil
	}
	return walk(dep)
}

// failCycle fails every port in a detected dependency cycle with a
// distinguishable error, then propagates outward.
func (g *Graph) failCycle(cycle []*Port) {
	names := make([]string, len(cycle))
	for i, p := range cycle {
		names[i] = p.Origin
	}
	err := fmt.Errorf("%s: %w", strings.Join(names, " -> "), errCycle)
	for _, p := range cycle {
		if !p.Failed {
			p.Err = err
			p.Failed = true
			p.Dependent.failed = true
			p.Dependency.failed = true
			g.haltPort(p)
			p.StageCompleted.Emit(p)
		}
	}
	for _, p := range cycle {
		g.PropagateFailure(p)
	}
}

// failPort marks a direct, local failure and propagates it.
func (g *Graph) failPort(p *Port) {
	if p.Failed {
		return
	}
	p.Failed = true
	p.Dependent.failed = true
	g.haltPort(p)
	p.StageCompleted.Emit(p)
	g.PropagateFailure(p)
}

func (g *Graph) haltPort(p *Port) {
	if g.halt != nil {
		g.halt(p)
	}
}

// PropagateFailure walks the dependent edges with an explicit worklist and
// a visited set: every affected port is notified exactly once, even in
// diamond-shaped graphs, and already-failed ports are not reprocessed.
func (g *Graph) PropagateFailure(p *Port) {
	visited := map[*Port]bool{p: true}
	work := []*Port{p}
	for len(work) > 0 {
		q := work[0]
		work = work[1:]
		for _, dep := range q.Dependent.Ports {
			if visited[dep] {
				continue
			}
			visited[dep] = true
			if !dep.Dependency.recompute() {
				continue
			}
			// Newly failed by dependency: halt the pipeline.  A stage
			// already running finishes; a queued one is pulled back.
			dep.Failed = true
			dep.Dependent.failed = true
			g.haltPort(dep)
			dep.StageCompleted.Emit(dep)
			work = append(work, dep)
		}
	}
}

// portSatisfied marks a port terminally successful, exactly once, and
// unblocks dependents whose last outstanding dependency this was.
func (g *Graph) portSatisfied(p *Port) {
	if p.notified || p.Failed {
		return
	}
	p.notified = true
	p.StageCompleted.Emit(p)
	for _, dep := range p.Dependent.Ports {
		if dep.Failed || dep.Dependency.State != Resolved {
			continue
		}
		if dep.Dependency.outstanding > 0 {
			dep.Dependency.outstanding--
			if dep.Dependency.outstanding == 0 {
				g.advance(dep, StageDepend)
			}
		}
	}
}

// advance submits the stage after `after`, provided `after` completed and
// the next stage has not been queued yet.
func (g *Graph) advance(p *Port, after StageName) {
	cur := p.Pipeline.Stage(after)
	if cur == nil || cur.State != StageDone {
		return
	}
	next := p.Pipeline.Next(cur)
	if next == nil {
		g.portSatisfied(p)
		return
	}
	if next.State == StagePending {
		g.submit(next)
	}
}
