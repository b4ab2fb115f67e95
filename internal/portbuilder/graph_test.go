package portbuilder

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func attr(name, version string, depends ...string) *PortAttr {
	return &PortAttr{Name: name, Version: version, Depends: depends}
}

func TestGraphDeduplicatesPorts(t *testing.T) {
	tree := fakeTree{"editors/vim": attr("vim", "9.1")}
	s, _ := newTestSched(t, tree, fakeDB{}, nil)

	a := s.GetPort("editors/vim")
	b := s.GetPort("editors/vim")
	assert.Same(t, a, b, "one origin must always yield the identical port")
}

func TestDependencyChainBuildsBottomUp(t *testing.T) {
	tree := fakeTree{
		"x11/app":    attr("app", "1.0", "devel/lib"),
		"devel/lib":  attr("lib", "2.0", "lang/tools"),
		"lang/tools": attr("tools", "3.0"),
	}
	s, f := newTestSched(t, tree, fakeDB{}, nil)

	app := s.Add("x11/app")
	s.Run()

	require.True(t, app.Satisfied(), "err: %v", app.Err)
	for _, origin := range []string{"x11/app", "devel/lib", "lang/tools"} {
		p, ok := s.Graph.Get(origin)
		require.True(t, ok, origin)
		assert.True(t, p.Satisfied(), origin)
	}

	// A port's first post-discovery stage waits for its dependency's
	// install, not for its clean.
	assert.Less(t, f.ranIndex("lang/tools:install"), f.ranIndex("devel/lib:checksum"))
	assert.Less(t, f.ranIndex("devel/lib:install"), f.ranIndex("x11/app:checksum"))
}

func TestSharedDependencyBuildsOnce(t *testing.T) {
	tree := fakeTree{
		"www/left":   attr("left", "1.0", "devel/base"),
		"www/right":  attr("right", "1.0", "devel/base"),
		"devel/base": attr("base", "1.0"),
	}
	s, f := newTestSched(t, tree, fakeDB{}, nil)

	s.Add("www/left")
	s.Add("www/right")
	s.Run()

	count := 0
	for _, key := range f.ran {
		if key == "devel/base:build" {
			count++
		}
	}
	assert.Equal(t, 1, count, "a shared dependency must build exactly once")
}

func TestFailurePropagatesThroughDiamondOnce(t *testing.T) {
	tree := fakeTree{
		"top/app":   attr("app", "1.0", "mid/left", "mid/right"),
		"mid/left":  attr("left", "1.0", "base/lib"),
		"mid/right": attr("right", "1.0", "base/lib"),
		"base/lib":  attr("lib", "1.0"),
	}
	s, f := newTestSched(t, tree, fakeDB{}, map[string]StageName{"base/lib": StageBuild})

	top := s.Add("top/app")

	// Count terminal notifications for the top port.
	emissions := 0
	top.StageCompleted.Connect(func(p *Port) {
		if p.Failed {
			emissions++
		}
	})

	s.Run()

	for _, origin := range []string{"top/app", "mid/left", "mid/right", "base/lib"} {
		p, ok := s.Graph.Get(origin)
		require.True(t, ok, origin)
		assert.True(t, p.Failed, origin)
	}
	assert.Equal(t, 1, emissions, "diamond propagation must notify the apex exactly once")

	// Nothing beyond discovery ran for the poisoned ports.
	assert.Equal(t, -1, f.ranIndex("mid/left:build"))
	assert.Equal(t, -1, f.ranIndex("top/app:checksum"))

	r := buildReport(s.Graph, 0)
	require.Len(t, r.direct, 1)
	assert.Equal(t, "base/lib", r.direct[0].origin)
	assert.Len(t, r.depFailed, 3)
}

func TestDependencyCycleFailsMembers(t *testing.T) {
	tree := fakeTree{
		"devel/a": attr("a", "1.0", "devel/b"),
		"devel/b": attr("b", "1.0", "devel/a"),
	}
	s, f := newTestSched(t, tree, fakeDB{}, nil)

	a := s.Add("devel/a")
	s.Run()

	b, ok := s.Graph.Get("devel/b")
	require.True(t, ok)
	assert.True(t, a.Failed)
	assert.True(t, b.Failed)
	require.Error(t, b.Err)
	assert.ErrorIs(t, b.Err, errCycle)

	assert.Equal(t, -1, f.ranIndex("devel/a:build"))
	assert.Equal(t, -1, f.ranIndex("devel/b:build"))
}

func TestSelfDependencyIsIgnored(t *testing.T) {
	tree := fakeTree{"devel/self": attr("self", "1.0", "devel/self")}
	s, _ := newTestSched(t, tree, fakeDB{}, nil)

	p := s.Add("devel/self")
	s.Run()

	assert.True(t, p.Satisfied(), "err: %v", p.Err)
	assert.Empty(t, p.Dependency.Entries)
}

func TestInstalledCurrentPortIsSkipped(t *testing.T) {
	tree := fakeTree{
		"x11/app":   attr("app", "1.0", "devel/lib"),
		"devel/lib": attr("lib", "2.0"),
	}
	db := fakeDB{"lib": "2.0"}
	s, f := newTestSched(t, tree, db, nil)

	app := s.Add("x11/app")
	s.Run()

	require.True(t, app.Satisfied(), "err: %v", app.Err)
	lib, _ := s.Graph.Get("devel/lib")
	assert.Equal(t, Current, lib.InstallStatus)
	assert.True(t, lib.Satisfied())

	// Discovery ran, nothing else did.
	assert.NotEqual(t, -1, f.ranIndex("devel/lib:depend"))
	assert.Equal(t, -1, f.ranIndex("devel/lib:build"))
	assert.NotEqual(t, -1, f.ranIndex("x11/app:build"))
}

func TestUpgradeRebuildsOlderOnly(t *testing.T) {
	tree := fakeTree{
		"devel/old": attr("old", "2.0"),
		"devel/new": attr("new", "1.0"),
	}
	db := fakeDB{"old": "1.5", "new": "1.0"}
	cfg := testConfig(t)
	cfg.Upgrade = true
	s, f := newTestSchedWith(t, cfg, tree, db, nil)

	s.Add("devel/old")
	s.Add("devel/new")
	s.Run()

	assert.NotEqual(t, -1, f.ranIndex("devel/old:build"), "older install must rebuild under upgrade")
	assert.Equal(t, -1, f.ranIndex("devel/new:build"), "current install must not rebuild under upgrade")
}

func TestForceOverridesInstallStatus(t *testing.T) {
	tree := fakeTree{"devel/cur": attr("cur", "1.0")}
	db := fakeDB{"cur": "1.0"}
	cfg := testConfig(t)
	cfg.Force = true
	s, f := newTestSchedWith(t, cfg, tree, db, nil)

	p := s.Add("devel/cur")
	s.Run()

	assert.True(t, p.Satisfied(), "err: %v", p.Err)
	assert.NotEqual(t, -1, f.ranIndex("devel/cur:build"))
}

func TestUnknownOriginFailsImmediately(t *testing.T) {
	s, f := newTestSched(t, fakeTree{}, fakeDB{}, nil)

	p := s.Add("no/such")
	s.Run()

	assert.True(t, p.Failed)
	assert.ErrorIs(t, p.Err, errPortNotFound)
	assert.Empty(t, f.ran)
}

func TestUnresolvedDependencyFailsDependent(t *testing.T) {
	tree := fakeTree{"x11/app": attr("app", "1.0", "no/such")}
	s, f := newTestSched(t, tree, fakeDB{}, nil)

	app := s.Add("x11/app")
	s.Run()

	assert.True(t, app.Failed)
	assert.True(t, app.Dependency.Failed())
	require.Len(t, app.Dependency.Entries, 1)
	assert.True(t, app.Dependency.Entries[0].Unresolved())
	assert.Equal(t, -1, f.ranIndex("x11/app:checksum"))
}

func TestNoApplicableMethodFails(t *testing.T) {
	tree := fakeTree{"devel/a": attr("a", "1.0")}
	cfg := testConfig(t)
	cfg.Methods = []string{MethodPackage} // no package file exists
	s, _ := newTestSchedWith(t, cfg, tree, fakeDB{}, nil)

	p := s.Add("devel/a")
	s.Run()

	assert.True(t, p.Failed)
	assert.ErrorIs(t, p.Err, errNoMethod)
}

func TestStageFailureRecordsCause(t *testing.T) {
	tree := fakeTree{"devel/a": attr("a", "1.0")}
	s, _ := newTestSched(t, tree, fakeDB{}, map[string]StageName{"devel/a": StageChecksum})

	p := s.Add("devel/a")
	s.Run()

	require.True(t, p.Failed)
	require.Error(t, p.Err)
	assert.Contains(t, p.Err.Error(), "checksum")
	assert.Equal(t, []string{"prepare", "build"}, p.Pipeline.FailedStacks())
}

func TestLateCompletionSettlesStageState(t *testing.T) {
	tree := fakeTree{"editors/vim": attr("vim", "9.1")}
	s, _ := newTestSched(t, tree, fakeDB{}, nil)
	p := s.GetPort("editors/vim")

	// A stage still running when the port was failed elsewhere must reach
	// a terminal state when its job finally reports back.
	st := p.Pipeline.Stage(StageChecksum)
	st.State = StageRunning
	p.Failed = true

	s.Graph.StageDone(st, nil)
	assert.Equal(t, StageDone, st.State)
	assert.True(t, p.Failed, "the port stays failed")

	st.State = StageRunning
	s.Graph.StageDone(st, errors.New("terminated"))
	assert.Equal(t, StageFailed, st.State)
}
