package portbuilder

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// The build-variable cache.  Each port's metadata comes from one variable
// dump of the build system, run through the attr queue during the DEPEND
// stage and memoized for the rest of the process.

// attrVars are the variables queried per origin, in output order.
var attrVars = []string{"PKGNAME", "PKGVERSION", "DEPENDS", "DISTFILES"}

type attrCache struct {
	cfg *Config

	mu sync.Mutex
	m  map[string]*PortAttr
}

func newAttrCache(cfg *Config) *attrCache {
	return &attrCache{cfg: cfg, m: make(map[string]*PortAttr)}
}

func (c *attrCache) get(origin string) (*PortAttr, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	attr, ok := c.m[origin]
	return attr, ok
}

// fetch runs the variable dump for an origin.  Idempotent: the same cached
// state always produces the same answer.
func (c *attrCache) fetch(ctx context.Context, origin string) (*PortAttr, error) {
	if attr, ok := c.get(origin); ok {
		return attr, nil
	}

	mk := c.cfg.Values["PB_MAKE"]
	if mk == "" {
		mk = "make"
	}
	args := []string{"-C", c.cfg.PortDir(origin)}
	for _, v := range attrVars {
		args = append(args, "-V", v)
	}
	out, err := exec.CommandContext(ctx, mk, args...).Output()
	if err != nil {
		return nil, fmt.Errorf("variable dump for %s: %w", origin, err)
	}

	attr, err := parseAttrOutput(origin, string(out))
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.m[origin] = attr
	c.mu.Unlock()
	return attr, nil
}

// parseAttrOutput interprets one value per line, in attrVars order.
func parseAttrOutput(origin, out string) (*PortAttr, error) {
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) < len(attrVars) {
		return nil, fmt.Errorf("variable dump for %s: got %d lines, want %d", origin, len(lines), len(attrVars))
	}

	attr := &PortAttr{
		Name:    strings.TrimSpace(lines[0]),
		Version: strings.TrimSpace(lines[1]),
	}
	if attr.Name == "" {
		return nil, fmt.Errorf("variable dump for %s: empty PKGNAME", origin)
	}
	// PKGNAME is name-version; strip the version suffix when present.
	if attr.Version != "" {
		attr.Name = strings.TrimSuffix(attr.Name, "-"+attr.Version)
	}
	attr.Depends = strings.Fields(lines[2])
	attr.Distfiles = strings.Fields(lines[3])
	return attr, nil
}
