package portbuilder

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Executor launches the external job behind each stage.  Build-system
// stages (depend, build, install, clean) run the ports tree's make in its
// own process group so a kill takes the whole job tree down; checksum,
// fetch and package run as cancellable in-process tasks and need no
// subprocess.
type Executor struct {
	cfg  *Config
	loop *EventLoop

	attrs *attrCache

	mirrorMu sync.Mutex
	mirror   *MirrorClient // lazily created, only for the repo method
}

func NewExecutor(cfg *Config, loop *EventLoop) *Executor {
	return &Executor{cfg: cfg, loop: loop, attrs: newAttrCache(cfg)}
}

// Spawn starts the job for a stage.  The returned kill function terminates
// it early; done is always delivered through the event loop.
func (e *Executor) Spawn(st *Stage, done func(error)) (func(), error) {
	p := st.Port

	if e.cfg.NoOp && st.Name != StageDepend {
		// Print what would run and report success.
		fmt.Println(strings.Join(e.makeArgs(st), " "))
		e.loop.Post(func() { done(nil) })
		return func() {}, nil
	}

	switch st.Name {
	case StageDepend:
		return e.spawnAttr(st, done)
	case StageChecksum:
		return e.spawnTask(done, func(ctx context.Context) error {
			return verifyChecksums(ctx, e.cfg, p)
		})
	case StageFetch:
		if p.Method == MethodRepo {
			return e.spawnTask(done, func(ctx context.Context) error {
				return e.fetchRemotePackage(ctx, p)
			})
		}
		return e.spawnTask(done, func(ctx context.Context) error {
			return fetchDistfiles(ctx, e.cfg, p)
		})
	case StagePackage:
		return e.spawnTask(done, func(ctx context.Context) error {
			return createPackage(ctx, e.cfg, p)
		})
	case StageInstall:
		if p.Method != MethodBuild {
			return e.spawnTask(done, func(ctx context.Context) error {
				return installPackage(ctx, e.cfg, p)
			})
		}
	}

	return e.spawnMake(st, done)
}

// makeArgs builds the make invocation for a stage (libpb drives the ports
// tree the same way).
func (e *Executor) makeArgs(st *Stage) []string {
	mk := e.cfg.Values["PB_MAKE"]
	if mk == "" {
		mk = "make"
	}
	args := []string{mk, "-C", e.cfg.PortDir(st.Port.Origin)}
	switch st.Name {
	case StageChecksum:
		args = append(args, "checksum")
	case StageFetch:
		args = append(args, "fetch")
	case StageBuild:
		args = append(args, "clean", "all")
	case StageInstall:
		if st.Port.InstallStatus == Absent {
			args = append(args, "install")
		} else {
			args = append(args, "deinstall", "reinstall")
		}
	case StagePackage:
		args = append(args, "package")
	case StageClean:
		args = append(args, "clean")
	}
	return append(args, "BATCH=yes")
}

// spawnMake runs a make target with output appended to the port's log file.
// The child gets its own process group so kill reaches its whole tree.
func (e *Executor) spawnMake(st *Stage, done func(error)) (func(), error) {
	args := e.makeArgs(st)

	if err := os.MkdirAll(e.cfg.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	logFile, err := os.OpenFile(st.Port.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	fmt.Fprintf(logFile, "=== %s: %s\n", st.Name, strings.Join(args, " "))

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("failed to start command: %w", err)
	}
	pgid := cmd.Process.Pid

	go func() {
		waitErr := cmd.Wait()
		logFile.Close()
		e.loop.PostWake(func() { done(waitErr) })
	}()

	kill := func() {
		// Negative pid addresses the whole process group.
		_ = unix.Kill(-pgid, unix.SIGKILL)
	}
	return kill, nil
}

// spawnTask runs fn on its own goroutine with a cancellable context, and
// funnels the result back into the loop like any other job completion.
func (e *Executor) spawnTask(done func(error), fn func(context.Context) error) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		err := fn(ctx)
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %v", errKilled, ctx.Err())
		}
		e.loop.PostWake(func() { done(err) })
	}()
	return cancel, nil
}

// spawnAttr queries the build-variable cache for a port.  Answers are
// memoized: the same cached state always yields the same attributes.
func (e *Executor) spawnAttr(st *Stage, done func(error)) (func(), error) {
	p := st.Port
	if attr, ok := e.attrs.get(p.Origin); ok {
		p.Attr = attr
		e.loop.Post(func() { done(nil) })
		return func() {}, nil
	}
	return e.spawnTask(done, func(ctx context.Context) error {
		attr, err := e.attrs.fetch(ctx, p.Origin)
		if err != nil {
			return err
		}
		// Assignment is deferred to the loop so port state is never
		// touched off-thread.
		e.loop.PostWake(func() { p.Attr = attr })
		return nil
	})
}

// fetchRemotePackage pulls a binary package from the mirror for the repo
// resolution method.
func (e *Executor) fetchRemotePackage(ctx context.Context, p *Port) error {
	e.mirrorMu.Lock()
	if e.mirror == nil {
		m, err := NewMirrorClient(e.cfg)
		if err != nil {
			e.mirrorMu.Unlock()
			return err
		}
		e.mirror = m
	}
	mirror := e.mirror
	e.mirrorMu.Unlock()

	name := packageFilename(e.cfg, p.Attr)
	dest := filepath.Join(e.cfg.BinDir, name)
	if _, err := os.Stat(dest); err == nil {
		return nil
	}
	return mirror.Fetch(ctx, name, dest)
}
