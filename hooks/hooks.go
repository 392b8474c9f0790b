// Package hooks implements the event-and-hook interface spec.md §9's
// redesign flag calls for: a fixed set of named extension points, each
// with a typed Go signature, registered explicitly up front rather
// than reached by dynamically loading and monkey-patching modules at
// runtime.
//
// The registration API is built the same way the teacher wires up its
// kingpin flags: one call per named thing, chained at setup time,
// with no reflection-based discovery. A hook name unknown to the
// registry is a configuration error the caller must fix, not a
// silently ignored event.
package hooks

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"

	"github.com/rcowham/vcscore/apperr"
)

// Name identifies one of the fixed extension points the core invokes.
// New names are added here, never invented ad hoc by callers.
type Name string

const (
	// PreTxnOpen runs before a transaction is opened; returning an
	// error aborts before any state changes.
	PreTxnOpen Name = "pretxnopen"
	// PreTxnChangegroup runs after a changegroup has been written into
	// the transaction's revlogs but before commit, so it can inspect
	// (and reject) incoming history.
	PreTxnChangegroup Name = "pretxnchangegroup"
	// PreTxnCommit runs immediately before a transaction commits.
	PreTxnCommit Name = "pretxncommit"
	// PostTxnClose runs after a transaction has committed successfully.
	PostTxnClose Name = "posttxnclose"
	// PostTxnAbort runs after a transaction has been rolled back.
	PostTxnAbort Name = "posttxnabort"
	// PreChangegroup runs before a changegroup is applied at all.
	PreChangegroup Name = "prechangegroup"
	// PreUpdate runs before the working copy is updated to a new
	// revision.
	PreUpdate Name = "preupdate"
	// PostUpdate runs after the working copy has been updated.
	PostUpdate Name = "postupdate"
	// PreCommit runs before a local commit is recorded.
	PreCommit Name = "precommit"
	// PostCommit runs after a local commit has been recorded.
	PostCommit Name = "postcommit"
)

// allNames lists every name Register/RegisterExternal will accept.
var allNames = map[Name]bool{
	PreTxnOpen:        true,
	PreTxnChangegroup: true,
	PreTxnCommit:      true,
	PostTxnClose:      true,
	PostTxnAbort:      true,
	PreChangegroup:    true,
	PreUpdate:         true,
	PostUpdate:        true,
	PreCommit:         true,
	PostCommit:        true,
}

// Args is the typed payload passed to a hook invocation. Not every
// field is populated for every hook name; a hook reads only the
// fields relevant to the name it was registered under.
type Args struct {
	// Repo is the filesystem path of the repository the event
	// occurred in.
	Repo string
	// Node is the node the event concerns (commit, update target, …),
	// hex-encoded, empty when not applicable.
	Node string
	// Source describes where the event originated (e.g. "push",
	// "pull", "strip"), empty when not applicable.
	Source string
	// Extra carries any additional named values a specific hook name
	// wants to pass without growing this struct per-name forever.
	Extra map[string]string
}

// Func is the signature every in-process hook registration must
// satisfy. A non-nil error aborts the triggering operation.
type Func func(ctx context.Context, a Args) error

// Registry holds the hooks registered for each name, run in
// registration order. It is not safe for concurrent Register calls,
// matching the teacher's own one-time-setup-then-run CLI wiring.
type Registry struct {
	funcs    map[Name][]Func
	external map[Name][]string // one exec.Command argv per name; a later RegisterExternal replaces it
}

// New returns an empty hook registry.
func New() *Registry {
	return &Registry{funcs: make(map[Name][]Func), external: make(map[Name][]string)}
}

// Register attaches an in-process Go function to name. It returns an
// error if name is not one of the fixed extension points.
func (r *Registry) Register(name Name, fn Func) error {
	if !allNames[name] {
		return apperr.NewConfigError(fmt.Sprintf("unknown extension point %q", string(name)), nil)
	}
	r.funcs[name] = append(r.funcs[name], fn)
	return nil
}

// RegisterExternal attaches an external command to name: argv[0] is
// run with the remaining argv entries as arguments, and Args is passed
// as HG_REPO/HG_NODE/HG_SOURCE-style environment variables, the same
// external-process-plus-environment contract merge.ToolDriver uses for
// merge tools.
func (r *Registry) RegisterExternal(name Name, argv []string) error {
	if !allNames[name] {
		return apperr.NewConfigError(fmt.Sprintf("unknown extension point %q", string(name)), nil)
	}
	if len(argv) == 0 {
		return apperr.NewConfigError(fmt.Sprintf("external hook for %q has no command", string(name)), nil)
	}
	r.external[name] = argv
	return nil
}

// Run invokes every hook registered under name, in-process hooks
// first in registration order, then the external command if one is
// registered. The first error halts remaining invocations and is
// returned to the caller, which must treat it as apperr.AbortedByHook
// when the failure came from an external command.
func (r *Registry) Run(ctx context.Context, name Name, a Args) error {
	for _, fn := range r.funcs[name] {
		if err := fn(ctx, a); err != nil {
			return err
		}
	}
	argv, ok := r.external[name]
	if !ok {
		return nil
	}
	return runExternal(ctx, name, argv, a)
}

func runExternal(ctx context.Context, name Name, argv []string, a Args) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(),
		"HG_REPO="+a.Repo,
		"HG_NODE="+a.Node,
		"HG_SOURCE="+a.Source,
	)
	for _, k := range sortedKeys(a.Extra) {
		cmd.Env = append(cmd.Env, fmt.Sprintf("HG_%s=%s", k, a.Extra[k]))
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		exitCode := 1
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
		return &apperr.AbortedByHook{Hook: string(name), ExitCode: exitCode}
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Registered reports whether any hook, in-process or external, is
// registered under name — callers use this to skip building an
// expensive Args payload when nothing would consume it.
func (r *Registry) Registered(name Name) bool {
	return len(r.funcs[name]) > 0 || r.external[name] != nil
}
