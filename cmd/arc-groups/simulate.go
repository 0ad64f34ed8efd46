package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-groups/internal/cli"
	"github.com/gezibash/arc-groups/internal/config"
	"github.com/gezibash/arc-groups/internal/groups"
	"github.com/gezibash/arc-groups/internal/groupserver"
	"github.com/gezibash/arc-groups/internal/names"
	"github.com/gezibash/arc-groups/internal/store"
	"github.com/gezibash/arc-groups/internal/store/memory"
	"github.com/gezibash/arc-groups/pkg/group"
)

type simOptions struct {
	title  string
	forced bool
}

// step is one line of the simulation report.
type step struct {
	name     string
	actor    string
	outcome  string
	revision uint32
}

// simulation drives the configured self and one peer against an
// in-process group server. The peer's commits are injected right before
// self's submissions to force revision conflicts.
type simulation struct {
	srv        *groupserver.Server
	self, peer uuid.UUID
	mine       *groups.Manager
	theirs     *groups.Manager
	local      store.Store
	id         group.ID
	steps      []step
}

func newSimulateCmd(v *viper.Viper) *cobra.Command {
	var (
		opts  simOptions
		serve bool
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run migration and conflict resolution against an in-process server",
		Long: `Run the group ledger end to end against an in-process group server:

  1. store a legacy group with self and two peers
  2. migrate it, creating the revisioned group on the server
  3. a peer joins the migrated group
  4. self changes the timer while the peer renames the group
  5. self renames the group while the peer renames it too
  6. the peer synchronizes and both records are compared

Self's records go to the configured store. With --serve the metrics
endpoint stays up until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd, v, func(ctx context.Context, s *cli.Session, out *cli.Output) error {
				var addr string
				if serve {
					var err error
					if addr, err = s.Obs.ServeMetrics(ctx, s.Config.Observability.MetricsAddr); err != nil {
						return err
					}
				}

				steps, err := runSimulation(ctx, s, opts)
				if err != nil {
					return err
				}
				if err := stepTable(out, steps).Render(); err != nil {
					return err
				}

				if serve {
					fmt.Fprintf(cmd.ErrOrStderr(), "serving metrics on %s, interrupt to stop\n", addr)
					<-ctx.Done()
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&opts.title, "title", "simulated group", "legacy group title")
	cmd.Flags().BoolVar(&opts.forced, "forced", false, "migrate as if the user asked for it")
	cmd.Flags().BoolVar(&serve, "serve", false, "keep serving metrics after the run")
	return cmd
}

func runSimulation(ctx context.Context, s *cli.Session, opts simOptions) ([]step, error) {
	self, err := s.Config.SelfACI()
	if errors.Is(err, config.ErrNoSelf) {
		self = uuid.New()
	} else if err != nil {
		return nil, err
	}

	sim := &simulation{
		srv:   groupserver.New(groupserver.WithLogger(s.Log)),
		self:  self,
		peer:  uuid.New(),
		local: s.Store,
	}

	sim.mine, _, err = s.Manager(self, s.Store, sim.srv.Client(self))
	if err != nil {
		return nil, err
	}
	peerStore := store.Wrap("memory", memory.New())
	defer peerStore.Close()
	sim.theirs, _, err = s.Manager(sim.peer, peerStore, sim.srv.Client(sim.peer))
	if err != nil {
		return nil, err
	}

	for _, fn := range []func(context.Context, simOptions) error{
		sim.migrate,
		sim.join,
		sim.disjointConflict,
		sim.contestedConflict,
		sim.converge,
	} {
		if err := fn(ctx, opts); err != nil {
			return sim.steps, err
		}
	}
	return sim.steps, nil
}

func (sim *simulation) record(name, actor, outcome string, revision uint32) {
	sim.steps = append(sim.steps, step{name: name, actor: actor, outcome: outcome, revision: revision})
}

func (sim *simulation) migrate(ctx context.Context, opts simOptions) error {
	legacy, err := newLegacyRecord(opts.title, 0, []uuid.UUID{sim.self, sim.peer, uuid.New()})
	if err != nil {
		return err
	}
	if err := store.SaveGroup(ctx, sim.local, legacy); err != nil {
		return fmt.Errorf("store legacy group: %w", err)
	}
	sim.record("store legacy group", "self", names.Group(legacy.ID), legacy.Revision)

	out, err := sim.mine.Migrate(ctx, legacy.ID, opts.forced)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if out.Record == nil {
		return fmt.Errorf("migrate ended in %s", out.State)
	}
	sim.id = out.GroupID

	trail := make([]string, len(out.Trail))
	for i, st := range out.Trail {
		trail[i] = st.String()
	}
	sim.record("migrate", "self", strings.Join(trail, " > "), out.Record.Revision)
	return nil
}

func (sim *simulation) join(ctx context.Context, _ simOptions) error {
	rec, err := store.LoadGroup(ctx, sim.local, sim.id)
	if err != nil {
		return err
	}
	res, err := sim.theirs.AddGroup(ctx, *rec.MasterKey)
	if err != nil {
		return fmt.Errorf("peer join: %w", err)
	}
	sim.record("join migrated group", "peer", res.Status.String(), res.State.Revision)
	return nil
}

// disjointConflict changes the timer while the peer renames the group. The
// change is rebased and lands one revision after the peer's.
func (sim *simulation) disjointConflict(ctx context.Context, _ simOptions) error {
	before := sim.srv.Submits(sim.id)
	res, err := sim.editDuring(ctx,
		[]group.Action{group.ModifyTitle{Title: "renamed by peer"}},
		func(ctx context.Context, ed *groups.Editor) (*groups.Result, error) {
			return ed.UpdateTimer(ctx, 3600)
		})
	if err != nil {
		return fmt.Errorf("update timer: %w", err)
	}
	submits := sim.srv.Submits(sim.id) - before
	sim.record("update timer during rename", "self",
		fmt.Sprintf("applied after %d submits", submits), res.State.Revision)
	return nil
}

// contestedConflict renames the group while the peer renames it too. The
// server's title wins and self's change resolves to nothing.
func (sim *simulation) contestedConflict(ctx context.Context, _ simOptions) error {
	res, err := sim.editDuring(ctx,
		[]group.Action{group.ModifyTitle{Title: "peer's title"}},
		func(ctx context.Context, ed *groups.Editor) (*groups.Result, error) {
			return ed.UpdateTitle(ctx, "self's title")
		})
	if err != nil {
		return fmt.Errorf("update title: %w", err)
	}
	outcome := "applied"
	if res.Announcement == nil {
		outcome = "superseded by " + strconv.Quote(res.State.Title)
	}
	sim.record("rename during rename", "self", outcome, res.State.Revision)
	return nil
}

func (sim *simulation) converge(ctx context.Context, _ simOptions) error {
	res, err := sim.theirs.UpdateToRevision(ctx, sim.id, groups.LatestRevision, time.Now())
	if err != nil {
		return fmt.Errorf("peer sync: %w", err)
	}
	sim.record("synchronize", "peer", res.Status.String(), res.State.Revision)

	mine, err := store.LoadGroup(ctx, sim.local, sim.id)
	if err != nil {
		return err
	}
	theirs := res.State
	if mine.Revision != theirs.Revision || mine.Title != theirs.Title || mine.Timer != theirs.Timer {
		return fmt.Errorf("records diverged: self r%d %q %ds, peer r%d %q %ds",
			mine.Revision, mine.Title, mine.Timer, theirs.Revision, theirs.Title, theirs.Timer)
	}
	sim.record("compare records", "both", "converged", mine.Revision)
	return nil
}

// editDuring runs fn on an editor for the simulated group while the peer
// commits actions right before self's first submission.
func (sim *simulation) editDuring(ctx context.Context, actions []group.Action, fn func(context.Context, *groups.Editor) (*groups.Result, error)) (*groups.Result, error) {
	var (
		once      sync.Once
		injectErr error
	)
	sim.srv.OnBeforeSubmit(func(id group.ID, from uuid.UUID) {
		if from != sim.self {
			return
		}
		once.Do(func() { _, injectErr = sim.srv.Commit(sim.peer, id, actions...) })
	})
	defer sim.srv.OnBeforeSubmit(nil)

	ed, err := sim.mine.Edit(ctx, sim.id)
	if err != nil {
		return nil, err
	}
	defer ed.Close()

	res, err := fn(ctx, ed)
	if injectErr != nil {
		return nil, fmt.Errorf("peer commit: %w", injectErr)
	}
	return res, err
}

func stepTable(out *cli.Output, steps []step) *cli.Table {
	tbl := out.Table("simulation", "Step", "Actor", "Outcome", "Revision")
	for _, s := range steps {
		tbl.AddRow(s.name, s.actor, s.outcome, strconv.FormatUint(uint64(s.revision), 10))
	}
	return tbl
}
