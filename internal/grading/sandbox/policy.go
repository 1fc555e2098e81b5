package sandbox

import (
	"context"
	"net"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	appErr "gradebox/pkg/errors"
	"gradebox/pkg/utils/logger"

	"go.uber.org/zap"
)

const defaultHelper = "sandbox-init"

// DefaultSystemReadOnlyPaths are granted read-only to every sandboxed command
// so interpreters and their shared libraries resolve.
var DefaultSystemReadOnlyPaths = []string{
	"/bin",
	"/etc/alternatives",
	"/etc/ld.so.cache",
	"/etc/ssl",
	"/lib",
	"/lib64",
	"/usr",
}

// Config controls how sandboxed invocations are built.
type Config struct {
	HelperPath          string   `yaml:"helperPath"`
	SystemReadOnlyPaths []string `yaml:"systemReadOnlyPaths"`
	// Resolvers are the DNS servers a restricted-network sandbox may use.
	Resolvers      []string `yaml:"resolvers"`
	SeccompProfile string   `yaml:"seccompProfile"`
	// Insecure disables isolation entirely. For local debugging only.
	Insecure bool `yaml:"insecure"`
}

// Request describes a command and the isolation it must run under.
type Request struct {
	Command             []string
	NetworkAccess       bool
	WritablePaths       []string
	ReadOnlyPaths       []string
	DirectNetworkAccess bool
}

// Builder translates requests into sandbox-init invocations.
// Build is deterministic for identical requests and has no side effects
// beyond the insecure-mode warning.
type Builder struct {
	helper    string
	system    []string
	resolvers []string
	seccomp   string
	insecure  bool
}

// NewBuilder resolves the helper binary once. A missing helper is an error
// unless the builder runs in insecure mode.
func NewBuilder(cfg Config) (*Builder, error) {
	b := &Builder{insecure: cfg.Insecure}
	if cfg.Insecure {
		return b, nil
	}

	helper := cfg.HelperPath
	if helper == "" {
		helper = defaultHelper
	}
	resolved, err := exec.LookPath(helper)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SandboxUnavailable, "sandbox helper %q not found", helper)
	}
	abs, err := filepath.Abs(resolved)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SandboxUnavailable, "resolve sandbox helper")
	}
	b.helper = abs

	system := cfg.SystemReadOnlyPaths
	if system == nil {
		system = DefaultSystemReadOnlyPaths
	}
	if b.system, err = normalizePaths(system); err != nil {
		return nil, err
	}
	for _, r := range cfg.Resolvers {
		if net.ParseIP(r) == nil {
			return nil, appErr.New(appErr.SandboxPolicyInvalid).WithMessage("invalid resolver address: " + r)
		}
		b.resolvers = append(b.resolvers, r)
	}
	sort.Strings(b.resolvers)

	if cfg.SeccompProfile != "" {
		if !filepath.IsAbs(cfg.SeccompProfile) {
			return nil, appErr.New(appErr.SandboxPolicyInvalid).WithMessage("seccomp profile path must be absolute")
		}
		b.seccomp = filepath.Clean(cfg.SeccompProfile)
	}
	return b, nil
}

// Insecure reports whether the builder skips isolation.
func (b *Builder) Insecure() bool {
	return b.insecure
}

// Build returns the argv that runs req.Command under isolation.
func (b *Builder) Build(ctx context.Context, req Request) ([]string, error) {
	if len(req.Command) == 0 || req.Command[0] == "" {
		return nil, appErr.New(appErr.SandboxPolicyInvalid).WithMessage("command is required")
	}
	writable, err := normalizePaths(req.WritablePaths)
	if err != nil {
		return nil, err
	}
	readOnly, err := normalizePaths(req.ReadOnlyPaths)
	if err != nil {
		return nil, err
	}

	if b.insecure {
		logger.Warn(ctx, "running command WITHOUT sandbox isolation (insecure mode)",
			zap.Strings("command", req.Command),
			zap.Strings("writable", writable),
			zap.Bool("network", req.NetworkAccess),
		)
		return append([]string(nil), req.Command...), nil
	}

	isWritable := make(map[string]bool, len(writable))
	for _, p := range writable {
		isWritable[p] = true
	}
	reads := mergeSorted(b.system, readOnly)

	args := make([]string, 0, 2+2*(len(reads)+len(writable)+len(b.resolvers))+len(req.Command)+2)
	args = append(args, b.helper)
	if b.seccomp != "" {
		args = append(args, "--seccomp", b.seccomp)
	}
	for _, p := range reads {
		if isWritable[p] {
			continue
		}
		args = append(args, "--read", p)
	}
	for _, p := range writable {
		args = append(args, "--write", p)
	}
	switch {
	case req.NetworkAccess && req.DirectNetworkAccess:
		args = append(args, "--direct-network")
	case req.NetworkAccess:
		args = append(args, "--network")
		for _, r := range b.resolvers {
			args = append(args, "--resolver", r)
		}
	}
	args = append(args, "--")
	args = append(args, req.Command...)
	return args, nil
}

// normalizePaths cleans, validates, de-duplicates and sorts paths.
func normalizePaths(paths []string) ([]string, error) {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" || strings.ContainsRune(p, 0) {
			return nil, appErr.New(appErr.SandboxPolicyInvalid).WithMessage("empty or malformed sandbox path")
		}
		if !filepath.IsAbs(p) {
			return nil, appErr.New(appErr.SandboxPolicyInvalid).WithMessage("sandbox path must be absolute: " + p)
		}
		clean := filepath.Clean(p)
		if clean == "/" {
			return nil, appErr.New(appErr.SandboxPolicyInvalid).WithMessage("granting the filesystem root is not allowed")
		}
		if seen[clean] {
			continue
		}
		seen[clean] = true
		out = append(out, clean)
	}
	sort.Strings(out)
	return out, nil
}

func mergeSorted(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, p := range list {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	sort.Strings(out)
	return out
}
