package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dotsetgreg/memkeep/pkg/config"
	"github.com/dotsetgreg/memkeep/pkg/memory"
)

func executeCLI() error {
	return buildRootCommand().Execute()
}

func buildRootCommand() *cobra.Command {
	var (
		showVersion bool
		configPath  string
	)

	root := &cobra.Command{
		Use:   "memkeep",
		Short: "Typed long-term memory with deduplication, conflict tracking, and ranked retrieval",
		Long: strings.TrimSpace(`memkeep keeps a project's durable facts as versioned, typed memories.

Ingest conversation text or documents to extract memories, query them with
ranked diverse retrieval, inspect the audit log, and resolve contradictions.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default ~/.memkeep/config.json)")

	root.AddCommand(newOnboardCommand(&configPath))
	root.AddCommand(newIngestCommand(&configPath))
	root.AddCommand(newIngestFileCommand(&configPath))
	root.AddCommand(newQueryCommand(&configPath))
	root.AddCommand(newContextCommand(&configPath))
	root.AddCommand(newLedgerCommand(&configPath))
	root.AddCommand(newCreateCommand(&configPath))
	root.AddCommand(newHistoryCommand(&configPath))
	root.AddCommand(newResolveCommand(&configPath))
	root.AddCommand(newCheckCommand(&configPath))
	root.AddCommand(newExceptionCommand(&configPath))
	root.AddCommand(newOplogCommand(&configPath))
	root.AddCommand(newSweepCommand(&configPath))
	root.AddCommand(newCompactCommand(&configPath))
	root.AddCommand(newDeleteProjectCommand(&configPath))
	root.AddCommand(newReplCommand(&configPath))
	root.AddCommand(newVersionCommand())

	return root
}

func withRuntime(configPath *string, fn func(rt *runtime) error) error {
	rt, err := openRuntime(*configPath)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt)
}

func newOnboardCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:     "onboard",
		Short:   "Write a default config file",
		Example: "  memkeep onboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := *configPath
			if path == "" {
				path = config.DefaultPath()
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config already exists at %s", path)
			}
			if err := config.SaveConfig(path, config.DefaultConfig()); err != nil {
				return err
			}
			fmt.Printf("Wrote default config to %s\n", path)
			fmt.Println("Set MEMKEEP_PROVIDER_API_KEY (or provider.api_key) to enable extraction.")
			return nil
		},
	}
}

func newIngestCommand(configPath *string) *cobra.Command {
	var (
		project     string
		turnID      string
		sourceRef   string
		contextHint string
	)

	cmd := &cobra.Command{
		Use:   "ingest <text>",
		Short: "Extract and save memories from a message",
		Args:  cobra.ExactArgs(1),
		Example: strings.Join([]string{
			`  memkeep ingest --project api "We decided to use Postgres for the billing service"`,
			`  memkeep ingest --project api --turn t42 "Never deploy on Fridays"`,
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(configPath, func(rt *runtime) error {
				stop := rt.watchProgress(project)
				atoms, err := rt.engine.IngestMessage(cmd.Context(), project, args[0], sourceRef, contextHint, turnID)
				stop()
				if err != nil {
					return err
				}
				if len(atoms) == 0 {
					fmt.Println("No memories saved.")
					return nil
				}
				fmt.Printf("Saved %d memories:\n", len(atoms))
				for _, atom := range atoms {
					printAtom(atom)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "default", "Project scope")
	cmd.Flags().StringVar(&turnID, "turn", "", "Conversation turn identifier")
	cmd.Flags().StringVar(&sourceRef, "source", "", "Source reference recorded with evidence")
	cmd.Flags().StringVar(&contextHint, "context", "", "Extra context given to the extractor")
	return cmd
}

func newIngestFileCommand(configPath *string) *cobra.Command {
	var (
		project     string
		contextHint string
	)

	cmd := &cobra.Command{
		Use:     "ingest-file <path>",
		Short:   "Extract and save memories from a document",
		Args:    cobra.ExactArgs(1),
		Example: "  memkeep ingest-file --project api ./docs/decisions.md",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return withRuntime(configPath, func(rt *runtime) error {
				stop := rt.watchProgress(project)
				atoms, err := rt.engine.IngestDocument(cmd.Context(), project, string(data), args[0], contextHint)
				stop()
				if err != nil {
					return err
				}
				fmt.Printf("Saved %d memories from %s\n", len(atoms), args[0])
				for _, atom := range atoms {
					printAtom(atom)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "default", "Project scope")
	cmd.Flags().StringVar(&contextHint, "context", "", "Extra context given to the extractor")
	return cmd
}

func newQueryCommand(configPath *string) *cobra.Command {
	var (
		project     string
		limit       int
		disputed    bool
		types       []string
		obligations bool
	)

	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Retrieve memories ranked by relevance",
		Args:  cobra.ExactArgs(1),
		Example: strings.Join([]string{
			`  memkeep query --project api "database choices"`,
			`  memkeep query --project api --types commitment,constraint --obligations ""`,
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(configPath, func(rt *runtime) error {
				opts := memory.RetrievalOptions{
					MaxResults:      limit,
					IncludeDisputed: disputed,
					Types:           parseTypes(types),
				}
				var (
					results []memory.ScoredAtom
					err     error
				)
				if obligations {
					results, err = rt.engine.RetrieveObligations(cmd.Context(), project, args[0], opts)
				} else {
					results, err = rt.engine.Retrieve(cmd.Context(), project, args[0], opts)
				}
				if err != nil {
					return err
				}
				if len(results) == 0 {
					fmt.Println("No matching memories.")
					return nil
				}
				for _, scored := range results {
					fmt.Printf("%.3f  ", scored.Score)
					printAtom(scored.Atom)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "default", "Project scope")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum results (0 = configured default)")
	cmd.Flags().BoolVar(&disputed, "disputed", false, "Include disputed memories")
	cmd.Flags().StringSliceVarP(&types, "types", "t", nil, "Restrict to memory types (comma separated)")
	cmd.Flags().BoolVar(&obligations, "obligations", false, "Return all commitments and constraints without diversity caps")
	return cmd
}

func newContextCommand(configPath *string) *cobra.Command {
	var (
		project string
		limit   int
	)

	cmd := &cobra.Command{
		Use:     "context <query>",
		Short:   "Build a context pack: relevant memories grouped by type plus standing obligations",
		Args:    cobra.ExactArgs(1),
		Example: `  memkeep context --project api "planning the next release"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(configPath, func(rt *runtime) error {
				pack, err := rt.engine.BuildContextPack(cmd.Context(), project, args[0], limit)
				if err != nil {
					return err
				}
				for memType, scored := range pack.ByType {
					fmt.Printf("%s:\n", memType)
					for _, s := range scored {
						fmt.Printf("  %.3f  %s\n", s.Score, s.Atom.Statement)
					}
				}
				if len(pack.Commitments) > 0 {
					fmt.Println("standing obligations:")
					for _, atom := range pack.Commitments {
						fmt.Printf("  [%s] %s\n", atom.Type, atom.Statement)
					}
				}
				fmt.Printf("(%d memories)\n", len(pack.MemoryIDs))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "default", "Project scope")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum ranked memories (0 = configured default)")
	return cmd
}

func newLedgerCommand(configPath *string) *cobra.Command {
	var project string

	cmd := &cobra.Command{
		Use:     "ledger",
		Short:   "Summarize a project's memories grouped by type",
		Example: "  memkeep ledger --project api",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(configPath, func(rt *runtime) error {
				ledger, err := rt.engine.Ledger(cmd.Context(), project)
				if err != nil {
					return err
				}
				fmt.Printf("%d memories (%d active, %d disputed)\n",
					ledger.TotalCount, ledger.ActiveCount, ledger.DisputedCount)
				for memType, atoms := range ledger.ByType {
					fmt.Printf("%s (%d):\n", memType, len(atoms))
					for _, atom := range atoms {
						printAtom(atom)
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "default", "Project scope")
	return cmd
}

func newCreateCommand(configPath *string) *cobra.Command {
	var (
		project     string
		memType     string
		conflictKey string
		importance  float64
		confidence  float64
		durability  string
		rationale   string
	)

	cmd := &cobra.Command{
		Use:     "create <statement>",
		Short:   "Save a memory directly, bypassing extraction",
		Args:    cobra.ExactArgs(1),
		Example: `  memkeep create --project api --type constraint --key deploy-window "Never deploy on Fridays"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(configPath, func(rt *runtime) error {
				atom, err := rt.engine.CreateMemory(cmd.Context(), project, memory.Candidate{
					Type:        memory.MemoryType(memType),
					Statement:   args[0],
					ConflictKey: conflictKey,
					Importance:  importance,
					Confidence:  confidence,
					Durability:  memory.Durability(durability),
					Rationale:   rationale,
				})
				if err != nil {
					return err
				}
				printAtom(atom)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "default", "Project scope")
	cmd.Flags().StringVarP(&memType, "type", "t", "belief", "Memory type")
	cmd.Flags().StringVarP(&conflictKey, "key", "k", "", "Conflict key grouping contradiction candidates")
	cmd.Flags().Float64Var(&importance, "importance", 0.6, "Importance in [0,1]")
	cmd.Flags().Float64Var(&confidence, "confidence", 0.8, "Confidence in [0,1]")
	cmd.Flags().StringVar(&durability, "durability", "durable", "Durability: ephemeral, session, or durable")
	cmd.Flags().StringVar(&rationale, "rationale", "", "Why this memory exists")
	return cmd
}

func newHistoryCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:     "history <memory_id>",
		Short:   "Show the full version history of a memory",
		Args:    cobra.ExactArgs(1),
		Example: "  memkeep history mem-abc123",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(configPath, func(rt *runtime) error {
				atom, err := rt.engine.GetAtom(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printAtom(atom)
				versions, err := rt.engine.ListVersions(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				for _, v := range versions {
					fmt.Printf("  v%d [%s] %s  %s\n", v.Number, v.Author, formatMS(v.CreatedAtMS), v.Statement)
					if v.Rationale != "" {
						fmt.Printf("      %s\n", v.Rationale)
					}
				}
				return nil
			})
		},
	}
}

func newResolveCommand(configPath *string) *cobra.Command {
	var (
		action    string
		statement string
		rationale string
	)

	cmd := &cobra.Command{
		Use:   "resolve <memory_id>",
		Short: "Resolve a disputed memory",
		Args:  cobra.ExactArgs(1),
		Example: strings.Join([]string{
			"  memkeep resolve mem-abc123 --action keep_new",
			`  memkeep resolve mem-abc123 --action merge --statement "Deploys allowed Friday mornings only"`,
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(configPath, func(rt *runtime) error {
				atom, err := rt.engine.ResolveConflict(cmd.Context(), args[0], action, statement, rationale)
				if err != nil {
					return err
				}
				printAtom(atom)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&action, "action", "a", "", "Resolution: keep_new, keep_old, keep_both, or merge")
	cmd.Flags().StringVarP(&statement, "statement", "s", "", "Merged statement (required for merge)")
	cmd.Flags().StringVar(&rationale, "rationale", "", "Why this resolution was chosen")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func newCheckCommand(configPath *string) *cobra.Command {
	var project string

	cmd := &cobra.Command{
		Use:     "check <message>",
		Short:   "Check a proposed action against active commitments and constraints",
		Args:    cobra.ExactArgs(1),
		Example: `  memkeep check "deploying the hotfix to prod on Friday" --project api`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(configPath, func(rt *runtime) error {
				result, err := rt.engine.CheckViolation(cmd.Context(), project, args[0])
				if err != nil {
					return err
				}
				if !result.Violated {
					fmt.Println("No violations.")
					return nil
				}
				fmt.Printf("VIOLATION [%s] %s\n", result.Severity, result.Explanation)
				for _, id := range result.ViolatedMemoryIDs {
					fmt.Printf("  violates %s\n", id)
				}
				if result.ChallengeMessage != "" {
					fmt.Println(result.ChallengeMessage)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "default", "Project scope")
	return cmd
}

func newExceptionCommand(configPath *string) *cobra.Command {
	var (
		project string
		scope   string
		days    int
	)

	cmd := &cobra.Command{
		Use:   "exception <memory_id> <reason>",
		Short: "Grant an exception to a violated commitment or constraint",
		Args:  cobra.ExactArgs(2),
		Example: strings.Join([]string{
			`  memkeep exception mem-abc123 "hotfix for the payment outage" --scope this_session`,
			`  memkeep exception mem-abc123 "migration week" --days 7`,
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(configPath, func(rt *runtime) error {
				atom, err := rt.engine.CreateException(cmd.Context(), project, args[0], args[1], scope, days)
				if err != nil {
					return err
				}
				printAtom(atom)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "default", "Project scope")
	cmd.Flags().StringVar(&scope, "scope", memory.ScopePermanent, "Scope: this_instance, this_session, or permanent")
	cmd.Flags().IntVar(&days, "days", 0, "Days until the exception expires (0 keeps it open-ended)")
	return cmd
}

func newOplogCommand(configPath *string) *cobra.Command {
	var (
		project string
		limit   int
	)

	cmd := &cobra.Command{
		Use:     "oplog",
		Short:   "Show the project audit log, newest first",
		Example: "  memkeep oplog --project api --limit 20",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(configPath, func(rt *runtime) error {
				entries, err := rt.engine.OpsLog(cmd.Context(), project, limit)
				if err != nil {
					return err
				}
				for _, entry := range entries {
					fmt.Printf("%s  %-18s %s  %s\n", formatMS(entry.CreatedAtMS), entry.Op, entry.EntityID, entry.Message)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "default", "Project scope")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum entries")
	return cmd
}

func newSweepCommand(configPath *string) *cobra.Command {
	var project string

	cmd := &cobra.Command{
		Use:     "sweep",
		Short:   "Expire memories whose TTL or validity window has passed",
		Example: "  memkeep sweep --project api",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(configPath, func(rt *runtime) error {
				n, err := rt.engine.SweepExpired(cmd.Context(), project)
				if err != nil {
					return err
				}
				fmt.Printf("Expired %d memories.\n", n)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "default", "Project scope")
	return cmd
}

func newCompactCommand(configPath *string) *cobra.Command {
	var project string

	cmd := &cobra.Command{
		Use:     "compact",
		Short:   "Fold recurring stale failures and assumptions into milestone memories",
		Example: "  memkeep compact --project api",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(configPath, func(rt *runtime) error {
				n, err := rt.engine.CompactProject(cmd.Context(), project)
				if err != nil {
					return err
				}
				fmt.Printf("Compacted %d memories.\n", n)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "default", "Project scope")
	return cmd
}

func newDeleteProjectCommand(configPath *string) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:     "delete-project <project>",
		Short:   "Delete a project and all of its memories, evidence, and history",
		Args:    cobra.ExactArgs(1),
		Example: "  memkeep delete-project api --yes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to delete project %q without --yes", args[0])
			}
			return withRuntime(configPath, func(rt *runtime) error {
				if err := rt.engine.DeleteProject(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Printf("Deleted project %s.\n", args[0])
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm deletion")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  memkeep version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion()
			return nil
		},
	}
}

func parseTypes(raw []string) []memory.MemoryType {
	var out []memory.MemoryType
	for _, t := range raw {
		t = strings.TrimSpace(t)
		if t != "" {
			out = append(out, memory.MemoryType(t))
		}
	}
	return out
}

func printAtom(atom memory.Atom) {
	marker := ""
	if atom.Status != memory.StatusActive {
		marker = fmt.Sprintf(" (%s)", atom.Status)
	}
	fmt.Printf("%s  [%s]%s %s\n", atom.ID, atom.Type, marker, atom.Statement)
}

func formatMS(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02 15:04:05")
}
