package portbuilder

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStage(origin string, name StageName) *Stage {
	p := &Port{Origin: origin}
	return &Stage{Name: name, Port: p, State: StagePending, Stack: &Stack{Name: "build"}}
}

func TestQueueRespectsLoad(t *testing.T) {
	loop := NewEventLoop()

	maxActive := 0
	running := 0
	spawn := func(st *Stage, done func(error)) (func(), error) {
		running++
		if running > maxActive {
			maxActive = running
		}
		loop.Post(func() {
			running--
			done(nil)
		})
		return func() {}, nil
	}
	q := newQueue("build", 2, loop, spawn)

	var doneCount int
	q.OnDone = func(st *Stage, err error) {
		require.NoError(t, err)
		doneCount++
	}

	loop.Post(func() {
		for i := 0; i < 5; i++ {
			q.Submit(newTestStage(fmt.Sprintf("cat/p%d", i), StageBuild))
		}
		assert.Equal(t, 2, q.Active())
		assert.Equal(t, 3, q.Waiting())
	})
	loop.Run()

	assert.Equal(t, 5, doneCount)
	assert.Equal(t, 2, maxActive, "no more than load jobs may run at once")
	assert.Zero(t, q.Len())
}

func TestQueueZeroLoadPausesWithoutDiscarding(t *testing.T) {
	loop := NewEventLoop()
	spawn := func(st *Stage, done func(error)) (func(), error) {
		loop.Post(func() { done(nil) })
		return func() {}, nil
	}
	q := newQueue("build", 0, loop, spawn)

	var doneCount int
	q.OnDone = func(st *Stage, err error) { doneCount++ }

	loop.Post(func() {
		q.Submit(newTestStage("cat/a", StageBuild))
		q.Submit(newTestStage("cat/b", StageBuild))
	})
	loop.Run()

	// Nothing dispatched, nothing lost.
	assert.Zero(t, doneCount)
	assert.Equal(t, 2, q.Waiting())

	loop.Post(func() { q.SetLoad(1) })
	loop.Run()

	assert.Equal(t, 2, doneCount, "raising the load must dispatch the held stages")
	assert.Zero(t, q.Len())
}

func TestQueueRemoveWithdrawsWaitingStage(t *testing.T) {
	loop := NewEventLoop()
	q := newQueue("build", 0, loop, func(st *Stage, done func(error)) (func(), error) {
		loop.Post(func() { done(nil) })
		return func() {}, nil
	})

	a := newTestStage("cat/a", StageBuild)
	b := newTestStage("cat/b", StageBuild)
	loop.Post(func() {
		q.Submit(a)
		q.Submit(b)
		require.True(t, q.Remove(a))
		assert.False(t, q.Remove(a), "a withdrawn stage cannot be withdrawn twice")
	})
	loop.Run()

	assert.Equal(t, StagePending, a.State)
	assert.Equal(t, 1, q.Waiting())
}

func TestQueueSpawnErrorCountsAsFailure(t *testing.T) {
	loop := NewEventLoop()
	boom := errors.New("exec format error")
	q := newQueue("build", 1, loop, func(st *Stage, done func(error)) (func(), error) {
		return nil, boom
	})

	var gotErr error
	q.OnDone = func(st *Stage, err error) { gotErr = err }

	loop.Post(func() { q.Submit(newTestStage("cat/a", StageBuild)) })
	loop.Run()

	require.ErrorIs(t, gotErr, boom)
	assert.Zero(t, q.Len(), "a stage whose job never started must not linger")
}

func TestQueueKillAllMarksRunningFailed(t *testing.T) {
	loop := NewEventLoop()

	kills := 0
	spawn := func(st *Stage, done func(error)) (func(), error) {
		// Job never completes on its own; only a kill ends it.
		return func() {
			kills++
			loop.PostWake(func() { done(errKilled) })
		}, nil
	}
	q := newQueue("build", 2, loop, spawn)

	var failures int
	q.OnDone = func(st *Stage, err error) {
		if err != nil {
			failures++
		}
	}

	a := newTestStage("cat/a", StageBuild)
	b := newTestStage("cat/b", StageBuild)
	loop.Post(func() {
		q.Submit(a)
		q.Submit(b)
		q.KillAll()
	})
	loop.Run()

	assert.Equal(t, 2, kills)
	assert.Equal(t, 2, failures)
	assert.True(t, a.Port.Failed)
	assert.True(t, b.Port.Failed)
}

func TestQueueManagerStageRouting(t *testing.T) {
	cfg := testConfig(t)
	loop := NewEventLoop()
	m := NewQueueManager(cfg, loop, func(st *Stage, done func(error)) (func(), error) {
		loop.Post(func() { done(nil) })
		return func() {}, nil
	})

	assert.Equal(t, "attr", m.ForStage(StageDepend).Name)
	assert.Equal(t, "checksum", m.ForStage(StageChecksum).Name)
	assert.Equal(t, "build", m.ForStage(StageBuild).Name)
	assert.Equal(t, "clean", m.ForStage(StageClean).Name)

	loads := m.Loads()
	m.PauseAll()
	for _, q := range m.Queues() {
		assert.Zero(t, q.Load())
	}
	m.SetLoads(loads)
	assert.Equal(t, loads, m.Loads())
}
