package portbuilder

// Forward and reverse dependency relations.  Each Port owns one of each;
// the graph wires them while resolving and walks the reverse edges when a
// failure has to propagate.

// ResolveState tracks a Dependency relation through discovery.
type ResolveState int

const (
	Unresolved ResolveState = iota
	Resolving
	Resolved
)

// DependEntry is a tagged variant: either a concrete resolved port or the
// declared name that matched nothing.
type DependEntry struct {
	Name string
	Port *Port // nil for an unresolved name
}

// Unresolved reports whether the entry never matched a known port.
func (e DependEntry) Unresolved() bool { return e.Port == nil }

// Dependency is the set of ports a port requires.
type Dependency struct {
	port    *Port
	State   ResolveState
	Entries []DependEntry

	// outstanding counts required ports that have not yet reached a
	// terminal successful (or policy-skipped) state.
	outstanding int
	failed      bool
}

func newDependency(p *Port) *Dependency {
	return &Dependency{port: p}
}

// Failed reports whether any required port is unresolved or has failed.
func (d *Dependency) Failed() bool { return d.failed }

// Ports returns the resolved ports of the relation.
func (d *Dependency) Ports() []*Port {
	var out []*Port
	for _, e := range d.Entries {
		if e.Port != nil {
			out = append(out, e.Port)
		}
	}
	return out
}

// recompute re-derives the failed flag from the current entries.  The flag
// only ever goes from false to true; resolution failures are not retried.
func (d *Dependency) recompute() bool {
	if d.failed {
		return false
	}
	for _, e := range d.Entries {
		if e.Port == nil || e.Port.Failed || e.Port.Dependent.failed {
			d.failed = true
			return true
		}
	}
	return false
}

// Dependent is the reverse edge set: ports that require this one.
type Dependent struct {
	port   *Port
	Ports  []*Port
	failed bool
}

func newDependent(p *Port) *Dependent {
	return &Dependent{port: p}
}

// add records a reverse edge, once per dependent.
func (d *Dependent) add(p *Port) {
	for _, q := range d.Ports {
		if q == p {
			return
		}
	}
	d.Ports = append(d.Ports, p)
}

// Failed reports whether this port cannot satisfy its dependents: it failed
// itself, or no build method was available for it.
func (d *Dependent) Failed() bool { return d.failed }
