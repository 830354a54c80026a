package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/dotsetgreg/memkeep/pkg/memory"
)

func newReplCommand(configPath *string) *cobra.Command {
	var project string

	cmd := &cobra.Command{
		Use:     "repl",
		Short:   "Interactive session: ingest lines and query memories",
		Long:    "Lines are ingested as messages. Prefix a line with ? to query, ?? for a context pack, or use :ledger, :oplog, :help.",
		Example: "  memkeep repl --project api",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(configPath, func(rt *runtime) error {
				fmt.Printf("%s interactive mode, project %q (Ctrl+C to exit)\n\n", appName, project)
				replLoop(rt, project)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "default", "Project scope")
	return cmd
}

func replLoop(rt *runtime, project string) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          appName + "> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".memkeep_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Printf("Error initializing readline: %v\n", err)
		fmt.Println("Falling back to simple input mode...")
		simpleReplLoop(rt, project)
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}
		if !handleReplLine(rt, project, line) {
			return
		}
	}
}

func simpleReplLoop(rt *runtime, project string) {
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print(appName + "> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}
		if !handleReplLine(rt, project, line) {
			return
		}
	}
}

// handleReplLine processes one line and reports whether the loop continues.
func handleReplLine(rt *runtime, project, line string) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		return true
	}
	if input == "exit" || input == "quit" {
		fmt.Println("Goodbye!")
		return false
	}

	ctx := context.Background()
	switch {
	case strings.HasPrefix(input, "??"):
		replContext(ctx, rt, project, strings.TrimSpace(strings.TrimPrefix(input, "??")))
	case strings.HasPrefix(input, "?"):
		replQuery(ctx, rt, project, strings.TrimSpace(strings.TrimPrefix(input, "?")))
	case input == ":ledger":
		replLedger(ctx, rt, project)
	case input == ":oplog":
		replOplog(ctx, rt, project)
	case input == ":help":
		fmt.Println("  <text>      ingest text as a message")
		fmt.Println("  ? <query>   retrieve ranked memories")
		fmt.Println("  ?? <query>  build a context pack")
		fmt.Println("  :ledger     summarize stored memories")
		fmt.Println("  :oplog      show recent audit entries")
		fmt.Println("  exit        leave the session")
	default:
		replIngest(ctx, rt, project, input)
	}
	return true
}

func replIngest(ctx context.Context, rt *runtime, project, text string) {
	stop := rt.watchProgress(project)
	atoms, err := rt.engine.IngestMessage(ctx, project, text, "", "", "")
	stop()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	if len(atoms) == 0 {
		fmt.Println("No memories saved.")
		return
	}
	for _, atom := range atoms {
		printAtom(atom)
	}
}

func replQuery(ctx context.Context, rt *runtime, project, query string) {
	results, err := rt.engine.Retrieve(ctx, project, query, memory.RetrievalOptions{})
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	if len(results) == 0 {
		fmt.Println("No matching memories.")
		return
	}
	for _, scored := range results {
		fmt.Printf("%.3f  ", scored.Score)
		printAtom(scored.Atom)
	}
}

func replContext(ctx context.Context, rt *runtime, project, query string) {
	pack, err := rt.engine.BuildContextPack(ctx, project, query, 0)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
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
}

func replLedger(ctx context.Context, rt *runtime, project string) {
	ledger, err := rt.engine.Ledger(ctx, project)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("%d memories (%d active, %d disputed)\n", ledger.TotalCount, ledger.ActiveCount, ledger.DisputedCount)
	for memType, atoms := range ledger.ByType {
		fmt.Printf("%s (%d):\n", memType, len(atoms))
		for _, atom := range atoms {
			printAtom(atom)
		}
	}
}

func replOplog(ctx context.Context, rt *runtime, project string) {
	entries, err := rt.engine.OpsLog(ctx, project, 20)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	for _, entry := range entries {
		fmt.Printf("%s  %-18s %s  %s\n", formatMS(entry.CreatedAtMS), entry.Op, entry.EntityID, entry.Message)
	}
}
