package portbuilder

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gookit/color"
)

func printHelp() {
	colSuccess.Println("Usage: portbuilder <command> [arguments]")
	fmt.Println()
	color.Info.Println("Available Commands:")

	type cmdInfo struct {
		Cmd  string
		Args string
		Desc string
	}
	cmds := []cmdInfo{
		{"version, --version", "", "Version information"},
		{"build, b", "[options] <origin...>", "Resolve and build ports with their dependencies"},
		{"fetch, f", "<origin...>", "Fetch and verify distfiles only"},
		{"upload", "[-l] <origin...>", "Upload built binary packages to the mirror"},
		{"status", "<origin>", "Show install status for a port"},
	}
	maxLen := 0
	for _, c := range cmds {
		length := len(c.Cmd) + len(c.Args)
		if c.Args != "" {
			length++
		}
		if length > maxLen {
			maxLen = length
		}
	}
	for _, c := range cmds {
		usage := c.Cmd
		if c.Args != "" {
			usage += " " + c.Args
		}
		fmt.Printf("  %-*s  %s\n", maxLen, usage, c.Desc)
	}
	fmt.Println()
	fmt.Println("Build options: -f force, -u upgrade, -p package, -n dry-run, -tui status board")
}

// Main is the CLI entrypoint.  It returns the process exit code: 0 on
// success, 1 on any port failure, 130 when the run was killed.
func Main() int {
	if len(os.Args) < 2 {
		printHelp()
		return 0
	}

	cfg, err := LoadConfig(ConfigFile)
	if err != nil {
		colError.Printf("failed to load configuration: %v\n", err)
		return 1
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "version", "--version", "-v":
		fmt.Printf("portbuilder %s (%s) %s\n", version, arch, buildDate)
		return 0
	case "help", "--help", "-h":
		printHelp()
		return 0
	case "build", "b":
		return runBuild(cfg, args)
	case "fetch", "f":
		cfg.FetchOnly = true
		return runBuild(cfg, args)
	case "upload":
		return runUpload(cfg, args)
	case "status":
		return runStatus(cfg, args)
	default:
		// Bare origins build, like `portbuilder editors/vim`.
		if info, err := os.Stat(cfg.PortDir(cmd)); err == nil && info.IsDir() {
			return runBuild(cfg, os.Args[1:])
		}
		colError.Printf("unknown command: %s\n", cmd)
		printHelp()
		return 1
	}
}

func runBuild(cfg *Config, args []string) int {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	force := fs.Bool("f", false, "rebuild even when the installed version is current")
	upgrade := fs.Bool("u", false, "rebuild when the installed version is older")
	pkg := fs.Bool("p", false, "also create binary packages")
	noop := fs.Bool("n", false, "print the commands that would run")
	quiet := fs.Bool("q", false, "suppress progress output")
	tui := fs.Bool("tui", false, "show the live status board")
	fs.Parse(args)

	origins := fs.Args()
	if len(origins) == 0 {
		colError.Println("no ports given")
		return 1
	}

	cfg.Force = cfg.Force || *force
	cfg.Upgrade = cfg.Upgrade || *upgrade
	cfg.Package = cfg.Package || *pkg
	cfg.NoOp = cfg.NoOp || *noop
	cfg.Quiet = cfg.Quiet || *quiet

	s := NewScheduler(cfg)
	s.WatchSignals()
	defer s.StopSignals()

	for _, origin := range origins {
		s.Add(origin)
	}

	var mon *Monitor
	if *tui && MonitorSupported() {
		mon = NewMonitor(s)
		mon.Start()
		defer mon.Stop()
	}

	start := time.Now()

	// First pass resolves the whole dependency graph without running any
	// build stage, so the plan is complete before work starts.
	s.ConfigureOnly()
	s.Run()
	if !s.Aborted() && !s.Stopping() {
		s.Execute()
		s.Run()
	}

	if mon != nil {
		mon.Stop()
	}

	r := buildReport(s.Graph, time.Since(start))
	printReport(r)

	if s.Aborted() {
		return 130
	}
	if r.Failures() {
		return 1
	}
	return 0
}

func runUpload(cfg *Config, args []string) int {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	list := fs.Bool("l", false, "list packages already on the mirror")
	fs.Parse(args)

	mirror, err := NewMirrorClient(cfg)
	if err != nil {
		colError.Printf("%v\n", err)
		return 1
	}
	ctx := context.Background()

	if *list {
		keys, err := mirror.List(ctx, "")
		if err != nil {
			colError.Printf("mirror listing failed: %v\n", err)
			return 1
		}
		for _, key := range keys {
			fmt.Println(key)
		}
		return 0
	}

	if fs.NArg() == 0 {
		colError.Println("no ports given")
		return 1
	}

	loop := NewEventLoop()
	exec := NewExecutor(cfg, loop)
	code := 0
	for _, origin := range fs.Args() {
		attr, err := exec.attrs.fetch(ctx, origin)
		if err != nil {
			colError.Printf("%s: %v\n", origin, err)
			code = 1
			continue
		}
		name := packageFilename(cfg, attr)
		path := filepath.Join(cfg.BinDir, name)
		if _, err := os.Stat(path); err != nil {
			colError.Printf("%s: no package built: %v\n", origin, err)
			code = 1
			continue
		}
		ok, err := mirror.Exists(ctx, name)
		if err != nil {
			colError.Printf("%s: mirror check failed: %v\n", origin, err)
			code = 1
			continue
		}
		if ok {
			colInfo.Printf("%s already on the mirror\n", name)
			continue
		}
		colArrow.Print("-> ")
		colSuccess.Printf("Uploading %s\n", name)
		if err := mirror.Upload(ctx, name, path); err != nil {
			colError.Printf("%s: upload failed: %v\n", origin, err)
			code = 1
		}
	}
	return code
}

func runStatus(cfg *Config, args []string) int {
	if len(args) != 1 {
		colError.Println("usage: portbuilder status <origin>")
		return 1
	}
	origin := args[0]

	loop := NewEventLoop()
	exec := NewExecutor(cfg, loop)
	attr, err := exec.attrs.fetch(context.Background(), origin)
	if err != nil {
		colError.Printf("%s: %v\n", origin, err)
		return 1
	}

	db := NewPkgDB(cfg)
	installed, ok := db.InstalledVersion(attr.Name)
	fmt.Printf("origin:    %s\n", origin)
	fmt.Printf("package:   %s\n", attr.Pkgname())
	if !ok {
		fmt.Println("status:    not installed")
		return 0
	}
	fmt.Printf("installed: %s\n", installed)
	switch compareVersions(installed, attr.Version) {
	case -1:
		colWarn.Println("status:    out of date")
	case 1:
		colNote.Println("status:    newer than the ports tree")
	default:
		colSuccess.Println("status:    up to date")
	}
	return 0
}
