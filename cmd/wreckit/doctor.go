package main

import (
	"fmt"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/wreckit/wreckit/internal/config"
	"github.com/wreckit/wreckit/internal/gitutil"
	"github.com/wreckit/wreckit/internal/prompt"
	"github.com/wreckit/wreckit/internal/store"
)

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose the workspace: config, locks, prompts, tooling",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			problems := 0
			check := func(name string, err error) {
				if err != nil {
					problems++
					fmt.Fprintf(out, "FAIL %-18s %v\n", name, err)
					return
				}
				fmt.Fprintf(out, "ok   %s\n", name)
			}

			if !gitutil.IsRepo(flagDir) {
				check("git repository", fmt.Errorf("%s is not a git repository", flagDir))
			} else {
				check("git repository", nil)
			}

			st, err := openStore()
			check("workspace", err)
			if err != nil {
				return fmt.Errorf("doctor found %d problem(s)", problems)
			}

			cfg, err := config.Load(st.Root())
			check("config", err)

			if cfg != nil && cfg.Agent.Kind == config.AgentProcess && len(cfg.Agent.Command) > 0 {
				_, lookErr := exec.LookPath(cfg.Agent.Command[0])
				check("agent command", lookErr)
			}

			stale, err := store.StaleLocks(st.Root(), store.LockOptions{})
			if err != nil {
				check("stale locks", err)
			} else if len(stale) > 0 {
				check("stale locks", fmt.Errorf("%d stale lock file(s): %v", len(stale), stale))
			} else {
				check("stale locks", nil)
			}

			orphans, _ := filepath.Glob(filepath.Join(st.ItemsDir(), "*", ".*.tmp-*"))
			if len(orphans) > 0 {
				check("orphan temp files", fmt.Errorf("%d leftover temp file(s) from interrupted writes", len(orphans)))
			} else {
				check("orphan temp files", nil)
			}

			promptsDir := filepath.Join(st.Root(), "prompts")
			var promptErr error
			for _, ph := range []string{"research", "plan", "implement", "pr"} {
				if _, err := prompt.Render(promptsDir, ph, prompt.Data{
					ID: "000-doctor", Title: "doctor", Overview: "doctor",
					State: "raw", Branch: "doctor",
				}); err != nil {
					promptErr = err
					break
				}
			}
			check("prompt templates", promptErr)

			items, err := st.ListItems()
			if err != nil {
				check("item records", err)
			} else {
				var bad error
				for _, it := range items {
					if err := it.Validate(); err != nil {
						bad = err
						break
					}
				}
				check("item records", bad)
			}

			if problems > 0 {
				return fmt.Errorf("doctor found %d problem(s)", problems)
			}
			return nil
		},
	}
}
