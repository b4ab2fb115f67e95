package portbuilder

import "path/filepath"

// InstallStatus compares the installed package, if any, against the port's
// current version.
type InstallStatus int

const (
	Absent InstallStatus = iota
	Older
	Current
	Newer
)

var installStatuses = [...]string{"absent", "older", "current", "newer"}

func (s InstallStatus) String() string {
	if s < 0 || int(s) >= len(installStatuses) {
		return "unknown"
	}
	return installStatuses[s]
}

// PortAttr is the build metadata for one origin, supplied by the
// build-variable cache during the DEPEND stage.
type PortAttr struct {
	Name      string   // package name
	Version   string   // current port version
	Depends   []string // declared dependency origins
	Distfiles []string // files the fetch/checksum stages operate on
}

// Pkgname is the canonical name-version identifier.
func (a *PortAttr) Pkgname() string {
	return a.Name + "-" + a.Version
}

// Port is one buildable unit, identified by its origin (category/name).
// Exactly one Port exists per origin for the lifetime of the process; the
// graph's dedup table enforces identity.
type Port struct {
	Origin string
	Attr   *PortAttr // nil until the DEPEND stage has run

	InstallStatus InstallStatus

	// Policy flags for this run.
	Explicit bool // requested on the command line
	Upgrade  bool // rebuild if installed version is older
	Force    bool // rebuild regardless of install status
	Failed   bool // a stage failed, or a dependency dragged us down

	// Method is how this port will be satisfied: built from source,
	// installed from a local binary package, or pulled from the mirror.
	Method string

	// Err records why the port failed: the failing stage's error, an
	// unresolved origin, a dependency cycle or a missing method.
	Err error

	LogFile string

	Pipeline   *Pipeline
	Dependency *Dependency
	Dependent  *Dependent

	scheduled bool // discovery submitted to the attr queue
	notified  bool // dependents have been told we are satisfied

	// StageCompleted fires after each stage of this port reaches a
	// terminal state.
	StageCompleted *Signal[*Port]
}

func (p *Port) String() string {
	return p.Origin
}

// Name returns the package name, falling back to the origin's base element
// until the attributes have loaded.
func (p *Port) Name() string {
	if p.Attr != nil {
		return p.Attr.Name
	}
	return filepath.Base(p.Origin)
}

// NeedsBuild decides skip-vs-build from the install status and the run
// policy.  Force wins over everything, including upgrade: a forced port is
// rebuilt even when the installed package is current or newer.
func (p *Port) NeedsBuild() bool {
	if p.Force {
		return true
	}
	if p.Upgrade {
		return p.InstallStatus < Current
	}
	return p.InstallStatus == Absent
}

// Satisfied reports whether the port is terminally successful: either every
// pipeline stage passed, or policy skipped the build outright.
func (p *Port) Satisfied() bool {
	if p.Failed {
		return false
	}
	if p.Pipeline == nil {
		return !p.NeedsBuild()
	}
	return p.Pipeline.Done()
}

// setMethod installs the pipeline for a resolution method.  Called right
// after DEPEND completes; the finished depend stage carries over into the
// replacement pipeline.
func (p *Port) setMethod(cfg *Config, method string) {
	p.Method = method
	if method == MethodBuild {
		return
	}
	old := p.Pipeline.Stage(StageDepend)
	p.Pipeline = newPipeline(p, methodStages(cfg, method))
	if st := p.Pipeline.Stage(StageDepend); st != nil && old != nil {
		st.State = old.State
	}
}

// methodStages selects the pipeline for a resolution method.  A binary
// package install needs no source stages; a mirror install fetches the
// package first.
func methodStages(cfg *Config, method string) []StageName {
	switch method {
	case MethodPackage:
		return []StageName{StageDepend, StageInstall}
	case MethodRepo:
		return []StageName{StageDepend, StageFetch, StageInstall}
	default:
		return pipelineStages(cfg)
	}
}
