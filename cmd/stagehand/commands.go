package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/martinemde/stagehand/agentloop"
	"github.com/martinemde/stagehand/capability"
	"github.com/martinemde/stagehand/focus"
	"github.com/martinemde/stagehand/unifiedllm"
)

func buildRunCmd(flags *rootFlags) *cobra.Command {
	var autoTurns int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start an interactive session",
		Long: `Read messages from standard input and run them through the pipeline.

After each message the assistant keeps working in automated turns until it
declares the goal finished or --auto-turns turns have run. Type "quit" to exit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, logger, err := loadConfig(flags.configPath, flags.logLevel)
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			client, err := newClient(cfg, logger)
			if err != nil {
				return err
			}
			return runSession(ctx, a, client, cmd.InOrStdin(), cmd.OutOrStdout(), autoTurns)
		},
	}
	cmd.Flags().IntVar(&autoTurns, "auto-turns", 0, "Maximum turns per message, including the first (default: pipeline.max_automated_turns)")
	return cmd
}

// runSession is the read loop behind "stagehand run".
func runSession(ctx context.Context, a *app, client unifiedllm.Completer, in io.Reader, w io.Writer, autoTurns int) error {
	p := a.newPipeline(client)
	out := &syncWriter{w: w}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range p.Events() {
			renderEvent(out, ev)
		}
	}()
	defer func() {
		p.Close()
		wg.Wait()
	}()

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	fmt.Fprint(out, "> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(line) {
		case "":
			fmt.Fprint(out, "> ")
			continue
		case "quit", "exit":
			return nil
		}

		if _, err := p.Run(ctx, line, autoTurns); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fmt.Fprint(out, "> ")
	}
	return scanner.Err()
}

func buildToolsCmd(flags *rootFlags) *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the loaded capabilities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(flags.configPath, flags.logLevel)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			out := cmd.OutOrStdout()
			if category == "" || category == capability.CategoryAll {
				fmt.Fprintln(out, a.registry.DescribeAll())
				return nil
			}
			caps := a.registry.ListByCategory(category)
			if len(caps) == 0 {
				return fmt.Errorf("no capabilities in category %q (available: %s)", category, strings.Join(a.registry.Categories(), ", "))
			}
			fmt.Fprintln(out, capability.Describe(caps))
			return nil
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "Only list capabilities in this category")
	return cmd
}

func buildFocusCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "focus",
		Short: "Inspect or reset the persisted focus",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the current focus record",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withFocusStore(cmd, flags, func(store focus.Store) error {
					fmt.Fprintln(cmd.OutOrStdout(), store.Read(cmd.Context()).String())
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "reset",
			Short: "Replace the focus record with an empty one",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withFocusStore(cmd, flags, func(store focus.Store) error {
					if err := store.Write(cmd.Context(), focus.Default()); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), "focus reset")
					return nil
				})
			},
		},
	)
	return cmd
}

// withFocusStore opens only the focus store; the capability registry is not
// needed to inspect it.
func withFocusStore(cmd *cobra.Command, flags *rootFlags, fn func(focus.Store) error) error {
	cfg, logger, err := loadConfig(flags.configPath, flags.logLevel)
	if err != nil {
		return err
	}
	a := &app{cfg: cfg, logger: logger}
	defer a.close()
	store, err := a.openFocusStore()
	if err != nil {
		return err
	}
	return fn(store)
}

// syncWriter serializes writes from the read loop and the event renderer.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(b)
}

// renderEvent prints the events a user cares about while a turn runs.
func renderEvent(w io.Writer, ev agentloop.Event) {
	switch ev.Kind {
	case agentloop.EventStageEnd:
		if text, _ := ev.Data["text"].(string); text != "" {
			fmt.Fprintf(w, "[%s] %s\n", ev.Stage.Label(), text)
		}
	case agentloop.EventCapabilityCallStart:
		fmt.Fprintf(w, "  -> %s %s\n", ev.Data["name"], ev.Data["arguments"])
	case agentloop.EventCapabilityCallEnd:
		status := "ok"
		if ok, _ := ev.Data["ok"].(bool); !ok {
			status = "failed"
		}
		fmt.Fprintf(w, "  <- %s %s (%vms)\n", ev.Data["name"], status, ev.Data["duration_ms"])
	case agentloop.EventFocusCommitted:
		fmt.Fprintf(w, "  focus: %s (progress %.2f)\n", ev.Data["current_focus"], ev.Data["progress"])
	case agentloop.EventCompaction:
		fmt.Fprintf(w, "  (conversation compacted at %v tokens)\n", ev.Data["budget_before"])
	case agentloop.EventLoopDetection:
		fmt.Fprintf(w, "  warning: %s\n", ev.Data["message"])
	case agentloop.EventError:
		fmt.Fprintf(w, "  error: %s\n", ev.Data["error"])
	case agentloop.EventTermination:
		fmt.Fprintln(w, "Done.")
	}
}
