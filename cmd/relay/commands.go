package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rahul/relay/internal/agent"
	"github.com/rahul/relay/internal/sandbox"
	"github.com/rahul/relay/internal/store"
)

func newAnalyzeCommand(configPath *string) *cobra.Command {
	var dataFiles []string
	var verbose bool
	cmd := &cobra.Command{
		Use:   "analyze <goal>",
		Short: "Plan a goal into tasks and answer each with generated code",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uploads, err := readUploads(dataFiles)
			if err != nil {
				return err
			}
			return runOnce(cmd, *configPath, verbose, agent.Job{
				Kind:    agent.PipelineAnalysis,
				Goal:    strings.Join(args, " "),
				Uploads: uploads,
				Persist: true,
			})
		},
	}
	cmd.Flags().StringSliceVarP(&dataFiles, "data", "d", nil, "data file made available to generated code (repeatable)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print workflow events to stderr")
	return cmd
}

func newResearchCommand(configPath *string) *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "research <goal>",
		Short: "Search the web for a goal and synthesize a report",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd, *configPath, verbose, agent.Job{
				Kind:    agent.PipelineResearch,
				Goal:    strings.Join(args, " "),
				Persist: true,
			})
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print workflow events to stderr")
	return cmd
}

func runOnce(cmd *cobra.Command, configPath string, verbose bool, job agent.Job) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var events io.Writer = io.Discard
	if verbose {
		events = os.Stderr
	}
	a, err := newApp(ctx, configPath, events)
	if err != nil {
		return err
	}
	defer a.Close()

	runner, err := a.runner()
	if err != nil {
		return err
	}
	out, err := runner.Run(ctx, job)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), out.Summary())
	fmt.Fprintf(cmd.OutOrStdout(), "\nprocess: %s\n", out.ProcessID)
	if out.State != agent.StateCompleted {
		return fmt.Errorf("run ended %s", out.State)
	}
	return nil
}

func readUploads(paths []string) ([]sandbox.Upload, error) {
	uploads := make([]sandbox.Upload, 0, len(paths))
	seen := map[string]bool{}
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read data file: %w", err)
		}
		name := filepath.Base(p)
		if seen[name] {
			return nil, fmt.Errorf("two data files are named %s", name)
		}
		seen[name] = true
		uploads = append(uploads, sandbox.Upload{Name: name, Data: data})
	}
	return uploads, nil
}

func newSubmitCommand(configPath *string) *cobra.Command {
	var kind, chatID string
	cmd := &cobra.Command{
		Use:   "submit <goal>",
		Short: "Queue a goal for the scheduler of a running relay serve",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if kind != store.KindAnalysis && kind != store.KindResearch {
				return fmt.Errorf("--kind must be %s or %s", store.KindAnalysis, store.KindResearch)
			}
			a, err := newApp(cmd.Context(), *configPath, io.Discard)
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := a.db.Enqueue(cmd.Context(), chatID, kind, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %s run #%d\n", kind, id)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", store.KindResearch, "pipeline: analysis or research")
	cmd.Flags().StringVar(&chatID, "chat", "", "chat to notify when the run finishes")
	return cmd
}

func newShowCommand(configPath *string) *cobra.Command {
	var events, asJSON bool
	cmd := &cobra.Command{
		Use:   "show <process-id>",
		Short: "Print the persisted records of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath, io.Discard)
			if err != nil {
				return err
			}
			defer a.Close()
			return show(cmd.Context(), cmd.OutOrStdout(), a.db, args[0], events, asJSON)
		},
	}
	cmd.Flags().BoolVar(&events, "events", false, "also print the run's event log")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print records as JSON")
	return cmd
}

func show(ctx context.Context, w io.Writer, db *store.SQLite, processID string, events, asJSON bool) error {
	records, err := db.Records(ctx, processID)
	if err != nil {
		return fmt.Errorf("run %s: %w", processID, err)
	}
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(records); err != nil {
			return err
		}
	} else {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "THREAD\tSTATE\tATTEMPTS\tTASK\tLAST OBSERVATION")
		for _, r := range records {
			task := r.Record.UserRequest
			if r.Record.Task != nil {
				task = r.Record.Task.Title()
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
				shortID(r.Record.ThreadID), r.State, len(r.Record.Results), clip(task, 48), clip(lastLine(r.Record.Observation), 60))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if !events {
		return nil
	}
	evts, err := db.Events(ctx, processID)
	if err != nil {
		return err
	}
	fmt.Fprintln(w)
	for _, e := range evts {
		data, _ := json.Marshal(e.Data)
		fmt.Fprintf(w, "%s %-8s %-12s %s\n", e.Timestamp.Format("15:04:05.000"), shortID(e.ThreadID), e.Type, data)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func clip(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
