package portbuilder

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// End-of-run classification.  Every port the graph ever saw lands in
// exactly one bucket.

type failedPort struct {
	origin string
	err    error
	stacks []string
	log    string
}

type runReport struct {
	built     []string
	skipped   []string
	direct    []failedPort // a stage of the port itself failed
	depFailed []failedPort // poisoned by a dependency or unresolved name
	pending   []string     // never reached a terminal state (aborted run)
	elapsed   time.Duration
}

func buildReport(g *Graph, elapsed time.Duration) runReport {
	r := runReport{elapsed: elapsed}
	for _, p := range g.Ports() {
		switch {
		case p.Failed:
			f := failedPort{origin: p.Origin, err: p.Err, log: p.LogFile}
			if ownFailure(p) {
				f.stacks = p.Pipeline.FailedStacks()
				r.direct = append(r.direct, f)
			} else {
				if f.err == nil {
					f.err = fmt.Errorf("%s: %s", p.Origin, depFailureCause(p))
				}
				r.depFailed = append(r.depFailed, f)
			}
		case p.Pipeline.Done():
			if p.NeedsBuild() {
				r.built = append(r.built, p.Origin)
			} else {
				r.skipped = append(r.skipped, p.Origin)
			}
		default:
			r.pending = append(r.pending, p.Origin)
		}
	}
	sort.Strings(r.built)
	sort.Strings(r.skipped)
	sort.Strings(r.pending)
	sort.Slice(r.direct, func(i, j int) bool { return r.direct[i].origin < r.direct[j].origin })
	sort.Slice(r.depFailed, func(i, j int) bool { return r.depFailed[i].origin < r.depFailed[j].origin })
	return r
}

// ownFailure distinguishes a port that failed on its own from one dragged
// down by its dependencies.
func ownFailure(p *Port) bool {
	for _, st := range p.Pipeline.Stages {
		if st.State == StageFailed {
			return true
		}
	}
	// Cycle members and unknown origins carry their own error too.
	if p.Err != nil && (errors.Is(p.Err, errCycle) || errors.Is(p.Err, errPortNotFound) || errors.Is(p.Err, errNoMethod)) {
		return true
	}
	return false
}

// depFailureCause names the first failed or unresolved dependency.
func depFailureCause(p *Port) string {
	for _, e := range p.Dependency.Entries {
		if e.Port == nil {
			return fmt.Sprintf("unresolved dependency %s", e.Name)
		}
		if e.Port.Failed {
			return fmt.Sprintf("dependency %s failed", e.Name)
		}
	}
	return "dependency failed"
}

// printReport writes the run summary the way the build epilogue does:
// successes first, failures with their cause last.
func printReport(r runReport) {
	if len(r.built) > 0 {
		colArrow.Print("-> ")
		colSuccess.Println("Built/Installed ports:")
		for _, origin := range r.built {
			fmt.Printf("  - %s\n", colNote.Sprint(origin))
		}
	}
	if len(r.skipped) > 0 {
		colArrow.Print("-> ")
		colInfo.Println("Already satisfied:")
		for _, origin := range r.skipped {
			fmt.Printf("  - %s\n", origin)
		}
	}
	if len(r.pending) > 0 {
		colArrow.Print("-> ")
		colWarn.Println("Not processed:")
		for _, origin := range r.pending {
			fmt.Printf("  - %s\n", origin)
		}
	}
	if len(r.direct) > 0 {
		colArrow.Print("-> ")
		colError.Println("Failed ports:")
		for _, f := range r.direct {
			cause := "unknown"
			if f.err != nil {
				cause = f.err.Error()
			}
			if len(f.stacks) > 0 {
				cause += fmt.Sprintf(" (failed stacks: %s)", strings.Join(f.stacks, ", "))
			}
			fmt.Printf("  - %-20s: %s\n", f.origin, cause)
			if f.log != "" {
				fmt.Printf("    log: %s\n", f.log)
			}
		}
	}
	if len(r.depFailed) > 0 {
		colArrow.Print("-> ")
		colError.Println("Skipped, dependency failed:")
		for _, f := range r.depFailed {
			cause := ""
			if f.err != nil {
				cause = f.err.Error()
			}
			fmt.Printf("  - %-20s: %s\n", f.origin, cause)
		}
	}

	colArrow.Print("-> ")
	fmt.Printf("%d built, %d satisfied, %d failed in %s\n",
		len(r.built), len(r.skipped), len(r.direct)+len(r.depFailed), r.elapsed.Round(time.Second))
}

// Failures reports whether any port ended failed.
func (r runReport) Failures() bool {
	return len(r.direct) > 0 || len(r.depFailed) > 0
}
