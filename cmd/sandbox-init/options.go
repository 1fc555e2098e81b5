package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

// Exit codes reported when the sandbox cannot be set up. The grading
// executor treats this range as a sandbox failure rather than a grader crash.
const (
	exitUsage      = 240
	exitNamespace  = 241
	exitPathPolicy = 242
	exitMount      = 243
	exitRoot       = 244
	exitPrivilege  = 245
	exitCommand    = 246
	exitInternal   = 247
	stageEnv       = "GRADEBOX_SANDBOX_STAGE"
	stageContainer = "container"
	rootEnv        = "GRADEBOX_SANDBOX_ROOT"
	resolvConfPath = "/etc/resolv.conf"
	defaultPathEnv = "/usr/local/bin:/usr/bin:/bin"
	rootDirPattern = "gradebox-root-"
)

// setupError carries the exit code for a failed setup step.
type setupError struct {
	code int
	err  error
}

func (e *setupError) Error() string { return e.err.Error() }
func (e *setupError) Unwrap() error { return e.err }

func fail(code int, format string, args ...any) error {
	return &setupError{code: code, err: fmt.Errorf(format, args...)}
}

func exitCodeOf(err error) int {
	var se *setupError
	if errors.As(err, &se) {
		return se.code
	}
	return exitInternal
}

type options struct {
	seccomp       string
	reads         []string
	writes        []string
	network       bool
	directNetwork bool
	resolvers     []string
	command       []string
}

// isolateNetwork reports whether the sandbox gets its own empty network namespace.
func (o options) isolateNetwork() bool {
	return !o.network && !o.directNetwork
}

// parseOptions reads "[flags] -- command [args...]". Anything cobra rejects
// and a missing separator map to exitUsage.
func parseOptions(args []string) (options, error) {
	var opts options
	cmd := &cobra.Command{
		Use:                   "sandbox-init [flags] -- command [args...]",
		Short:                 "Run a command inside an unprivileged grading sandbox",
		Args:                  cobra.ArbitraryArgs,
		DisableFlagsInUseLine: true,
		SilenceErrors:         true,
		SilenceUsage:          true,
		RunE: func(cmd *cobra.Command, rest []string) error {
			switch dash := cmd.ArgsLenAtDash(); {
			case dash < 0:
				return fail(exitUsage, "missing -- before the command")
			case dash > 0:
				return fail(exitUsage, "unexpected argument %q before --", rest[0])
			}
			opts.command = append([]string(nil), rest...)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.seccomp, "seccomp", "", "absolute path of a seccomp profile")
	flags.StringArrayVar(&opts.reads, "read", nil, "grant read-only access to a path")
	flags.StringArrayVar(&opts.writes, "write", nil, "grant read-write access to an existing path")
	flags.BoolVar(&opts.network, "network", false, "allow network access with a private resolver list")
	flags.BoolVar(&opts.directNetwork, "direct-network", false, "share the host network and resolver")
	flags.StringArrayVar(&opts.resolvers, "resolver", nil, "DNS resolver IP for --network")
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fail(exitUsage, "%v", err)
	})
	cmd.SetOut(os.Stderr)
	cmd.SetErr(os.Stderr)
	cmd.SetArgs(append([]string{}, args...))

	if err := cmd.Execute(); err != nil {
		var se *setupError
		if errors.As(err, &se) {
			return options{}, err
		}
		return options{}, fail(exitUsage, "%v", err)
	}
	if err := opts.validate(); err != nil {
		return options{}, err
	}
	return opts, nil
}

func (o options) validate() error {
	if len(o.command) == 0 || o.command[0] == "" {
		return fail(exitUsage, "command is required")
	}
	if o.network && o.directNetwork {
		return fail(exitUsage, "--network and --direct-network are exclusive")
	}
	if len(o.resolvers) > 0 && !o.network {
		return fail(exitUsage, "--resolver requires --network")
	}
	for _, r := range o.resolvers {
		if net.ParseIP(r) == nil {
			return fail(exitUsage, "invalid resolver %q", r)
		}
	}
	if o.seccomp != "" && !filepath.IsAbs(o.seccomp) {
		return fail(exitUsage, "seccomp profile must be an absolute path")
	}
	for _, list := range [][]string{o.reads, o.writes} {
		for _, p := range list {
			if !filepath.IsAbs(p) || strings.ContainsRune(p, 0) {
				return fail(exitPathPolicy, "path %q must be absolute", p)
			}
			if filepath.Clean(p) == "/" {
				return fail(exitPathPolicy, "granting the filesystem root is not allowed")
			}
		}
	}
	return nil
}

// resolvConf renders the resolver list handed to a restricted-network sandbox.
func resolvConf(resolvers []string) []byte {
	var b strings.Builder
	for _, r := range resolvers {
		b.WriteString("nameserver ")
		b.WriteString(r)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// checkWritable requires every writable grant to exist and to name its own
// canonical location, so a symlink cannot redirect a write grant elsewhere.
func checkWritable(paths []string) error {
	for _, p := range paths {
		clean := filepath.Clean(p)
		if _, err := os.Lstat(clean); err != nil {
			return fail(exitPathPolicy, "writable path %q: %v", p, err)
		}
		resolved, err := filepath.EvalSymlinks(clean)
		if err != nil {
			return fail(exitPathPolicy, "resolve writable path %q: %v", p, err)
		}
		if resolved != clean {
			return fail(exitPathPolicy, "writable path %q resolves to %q", p, resolved)
		}
	}
	return nil
}
