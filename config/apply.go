package config

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/ggoodman/vcs-session-go/connection"
	"github.com/ggoodman/vcs-session-go/vcs"
)

// Applier keeps a Registry in line with a configuration on behalf of one
// owner: servers that disappear or change identity are released, new servers
// are registered, and workspace bindings are reloaded when their list changes.
//
// Invalid entries never reach the registry. Their problems are published to
// the ProblemNotifier, once per distinct problem set and entry.
type Applier struct {
	reg      *connection.Registry
	owner    connection.Owner
	problems vcs.ProblemNotifier
	log      *slog.Logger

	mu       sync.Mutex
	current  map[string]vcs.ServerIdentity // entry name -> identity
	reported map[string]string             // entry name -> problem fingerprint
}

// NewApplier returns an Applier registering servers for owner. problems and
// logger may be nil.
func NewApplier(reg *connection.Registry, owner connection.Owner, problems vcs.ProblemNotifier, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{
		reg:      reg,
		owner:    owner,
		problems: problems,
		log:      logger,
		current:  map[string]vcs.ServerIdentity{},
		reported: map[string]string{},
	}
}

// Apply moves the registry to f. Valid entries are applied even when others
// are invalid; the returned error joins the *vcs.InvalidConfigError of every
// invalid entry and any registry failure.
func (a *Applier) Apply(ctx context.Context, f File) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	next := make(map[string]vcs.ServerIdentity, len(f.Servers))
	workspaces := make(map[vcs.ServerIdentity][]string)
	seen := make(map[string]bool, len(f.Servers))
	reported := make(map[string]string, len(a.reported))

	for _, s := range f.Servers {
		problems := s.Problems()
		if s.Name != "" && seen[s.Name] {
			problems = append(problems, vcs.ConfigurationProblem{Field: "name", Message: "duplicate server name " + s.Name})
		}
		seen[s.Name] = true
		if err := vcs.Validate(s.Identity(), problems); err != nil {
			errs = append(errs, err)
			var ice *vcs.InvalidConfigError
			if errors.As(err, &ice) {
				a.report(ctx, s.Name, ice, reported)
			}
			continue
		}
		id := s.Identity()
		next[s.Name] = id
		workspaces[id] = append(workspaces[id], s.Workspaces...)
	}
	a.reported = reported

	// Release identities no entry uses anymore.
	wanted := make(map[vcs.ServerIdentity]bool, len(workspaces))
	for id := range workspaces {
		wanted[id] = true
	}
	released := make(map[vcs.ServerIdentity]bool)
	for name, old := range a.current {
		if wanted[old] || released[old] {
			continue
		}
		released[old] = true
		var err error
		if id, ok := next[name]; ok {
			err = a.reg.Reconfigure(ctx, old, id, a.owner)
			a.log.InfoContext(ctx, "server reconfigured", slog.String("name", name), slog.String("from", old.String()), slog.String("to", id.String()))
		} else {
			err = a.reg.Release(ctx, old, a.owner)
			a.log.InfoContext(ctx, "server removed", slog.String("name", name), slog.String("server", old.String()))
		}
		if err != nil {
			errs = append(errs, err)
		}
	}

	// Register the rest and reload changed workspace lists.
	for _, id := range slices.SortedFunc(maps.Keys(workspaces), compareIdentity) {
		st, err := a.reg.GetOrCreate(ctx, id, a.owner)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		want := slices.Compact(slices.Sorted(slices.Values(workspaces[id])))
		if !slices.Equal(st.Clients().Workspaces(), want) {
			st.Clients().Reload(ctx, want...)
		}
	}

	a.current = next
	return errors.Join(errs...)
}

// Servers returns the identities currently applied, keyed by entry name.
func (a *Applier) Servers() map[string]vcs.ServerIdentity {
	a.mu.Lock()
	defer a.mu.Unlock()
	return maps.Clone(a.current)
}

// Close releases every applied server.
func (a *Applier) Close(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var errs []error
	done := make(map[vcs.ServerIdentity]bool)
	for _, id := range a.current {
		if done[id] {
			continue
		}
		done[id] = true
		if err := a.reg.Release(ctx, id, a.owner); err != nil {
			errs = append(errs, err)
		}
	}
	a.current = map[string]vcs.ServerIdentity{}
	return errors.Join(errs...)
}

func (a *Applier) report(ctx context.Context, name string, ice *vcs.InvalidConfigError, reported map[string]string) {
	fp := ice.Fingerprint()
	reported[name] = fp
	if a.reported[name] == fp {
		return
	}
	a.log.WarnContext(ctx, "invalid server configuration", slog.String("name", name), slog.String("err", ice.Error()))
	if a.problems != nil {
		a.problems.OnConfigurationProblem(context.WithoutCancel(ctx), ice.Identity, ice.Problems)
	}
}

func compareIdentity(x, y vcs.ServerIdentity) int {
	return cmp.Compare(x.String(), y.String())
}
