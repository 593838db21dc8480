package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wreckit/wreckit/internal/agent"
	"github.com/wreckit/wreckit/internal/config"
	"github.com/wreckit/wreckit/internal/events"
	"github.com/wreckit/wreckit/internal/gitutil"
	"github.com/wreckit/wreckit/internal/host"
	"github.com/wreckit/wreckit/internal/ideas"
	"github.com/wreckit/wreckit/internal/item"
	"github.com/wreckit/wreckit/internal/orchestrator"
	"github.com/wreckit/wreckit/internal/phase"
	"github.com/wreckit/wreckit/internal/prompt"
	"github.com/wreckit/wreckit/internal/store"
)

// env bundles everything a mutating command needs.
type env struct {
	store  *store.Store
	cfg    *config.Config
	runner *phase.Runner
	orch   *orchestrator.Orchestrator
}

func openStore() (*store.Store, error) {
	return store.Open(flagDir)
}

func buildEnv() (*env, error) {
	st, err := openStore()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(st.Root())
	if err != nil {
		return nil, err
	}
	tr, err := agent.New(cfg.Agent)
	if err != nil {
		return nil, err
	}
	var h host.Host
	if gitutil.HasRemote(flagDir, cfg.PushRemote) {
		h = host.Detect()
	}
	sink := events.NewWriterSink(os.Stdout, flagJSON)
	runner := phase.NewRunner(st, cfg, tr, h, flagDir, sink, logger)
	return &env{
		store:  st,
		cfg:    cfg,
		runner: runner,
		orch:   orchestrator.New(st, runner, sink, logger),
	}, nil
}

func newInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the .wreckit workspace in the current repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !gitutil.IsRepo(flagDir) {
				return fmt.Errorf("%s is not a git repository", flagDir)
			}
			st, err := store.Init(flagDir, force)
			if err != nil {
				return err
			}
			if err := config.Save(st.Root(), config.Default()); err != nil {
				return err
			}
			if err := prompt.WriteDefaults(filepath.Join(st.Root(), "prompts")); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "initialized", st.Root())
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "reuse an existing workspace directory")
	return cmd
}

func newIdeasCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ideas [file]",
		Short: "Add backlog items from free text (file, argument text, or stdin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			cfg, err := config.Load(st.Root())
			if err != nil {
				return err
			}
			text, err := readIdeasInput(cmd, args)
			if err != nil {
				return err
			}
			results, err := ideas.Add(st, text, cfg.DedupThreshold)
			for _, res := range results {
				switch {
				case res.ItemID != "":
					fmt.Fprintf(cmd.OutOrStdout(), "created %s: %s\n", res.ItemID, res.Idea.Title)
				case res.Duplicate != "":
					fmt.Fprintf(cmd.OutOrStdout(), "skipped duplicate of %s: %s\n", res.Duplicate, res.Idea.Title)
				default:
					fmt.Fprintf(cmd.OutOrStdout(), "skipped unusable idea: %s\n", res.Idea.Title)
				}
			}
			return err
		},
	}
	return cmd
}

func readIdeasInput(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		b, err := io.ReadAll(cmd.InOrStdin())
		return string(b), err
	}
	if _, err := os.Stat(args[0]); err == nil {
		b, err := os.ReadFile(args[0])
		return string(b), err
	}
	// Not a file: treat the arguments as the idea text itself.
	return strings.Join(args, " "), nil
}

func newListCmd() *cobra.Command {
	var stateFilter string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all items",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			items, err := st.ListItems()
			if err != nil {
				return err
			}
			if stateFilter != "" {
				want, err := item.ParseState(stateFilter)
				if err != nil {
					return err
				}
				kept := items[:0]
				for _, it := range items {
					if it.State == want {
						kept = append(kept, it)
					}
				}
				items = kept
			}
			if flagJSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(items)
			}
			for _, it := range items {
				fmt.Fprintf(cmd.OutOrStdout(), "%-24s %-13s %s\n", it.ID, it.State, it.Title)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&stateFilter, "state", "", "only items in this lifecycle state")
	return cmd
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one item record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			it, err := st.ReadItem(args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(it)
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize the backlog by state",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			items, err := st.ListItems()
			if err != nil {
				return err
			}
			counts := map[item.State]int{}
			for _, it := range items {
				counts[it.State]++
			}
			if flagJSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(counts)
			}
			for _, state := range item.States {
				if counts[state] > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "%-13s %d\n", state, counts[state])
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-13s %d\n", "total", len(items))
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <id>",
		Short: "Drive one item through every remaining phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := buildEnv()
			if err != nil {
				return err
			}
			return e.orch.RunItem(cmd.Context(), args[0])
		},
	}
}

func newPhaseCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "phase <phase> <id>",
		Short: "Run exactly one phase of one item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ph, err := phase.ParsePhase(args[0])
			if err != nil {
				return err
			}
			e, err := buildEnv()
			if err != nil {
				return err
			}
			return e.runner.Run(cmd.Context(), args[1], ph, force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "bypass skip-on-artifact")
	return cmd
}

func newNextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "next",
		Short: "Advance the lowest-id runnable item one phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := buildEnv()
			if err != nil {
				return err
			}
			id, ph, err := e.orch.Next(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "advanced %s through %s\n", id, ph)
			return nil
		},
	}
}

func newAllCmd() *cobra.Command {
	var parallel int
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "all",
		Short: "Drive every runnable item to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := buildEnv()
			if err != nil {
				return err
			}
			if dryRun {
				lines, err := e.orch.DryRun()
				if err != nil {
					return err
				}
				for _, line := range lines {
					fmt.Fprintln(cmd.OutOrStdout(), line)
				}
				return nil
			}
			if parallel <= 0 {
				parallel = e.cfg.Parallel
			}
			return e.orch.RunAll(cmd.Context(), parallel)
		},
	}
	cmd.Flags().IntVar(&parallel, "parallel", 0, "worker count (defaults to config)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the would-do plan without running agents")
	return cmd
}

func newRollbackCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "rollback <id>",
		Short: "Reset a done item to implementing and force-reset the base branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("rollback force-resets the base branch; re-run with --yes to confirm")
			}
			e, err := buildEnv()
			if err != nil {
				return err
			}
			return rollback(e, args[0])
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the destructive reset")
	return cmd
}

func rollback(e *env, id string) error {
	release, err := e.store.Lock(id, store.LockExclusive)
	if err != nil {
		return err
	}
	defer release()

	it, err := e.store.ReadItem(id)
	if err != nil {
		return err
	}
	if it.State != item.StateDone {
		return fmt.Errorf("item %s: rollback requires state done, have %s", id, it.State)
	}
	if strings.TrimSpace(it.RollbackSHA) == "" {
		return fmt.Errorf("item %s: no rollback_sha recorded; this item merged through a pull request", id)
	}
	if !gitutil.SHAExists(flagDir, it.RollbackSHA) {
		return fmt.Errorf("item %s: rollback_sha %s is not a commit in this repository", id, it.RollbackSHA)
	}
	if err := gitutil.Checkout(flagDir, e.cfg.BaseBranch); err != nil {
		return err
	}
	if err := gitutil.ResetHard(flagDir, it.RollbackSHA); err != nil {
		return err
	}
	if gitutil.HasRemote(flagDir, e.cfg.PushRemote) {
		if err := gitutil.ForcePush(flagDir, e.cfg.PushRemote, e.cfg.BaseBranch); err != nil {
			return err
		}
	}
	if err := it.Rollback(time.Now()); err != nil {
		return err
	}
	return e.store.WriteItem(it)
}
