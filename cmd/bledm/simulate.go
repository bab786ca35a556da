package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/bledm/internal/events"
	"github.com/srg/bledm/internal/replay"
	"github.com/srg/bledm/internal/storage"
	"github.com/srg/bledm/pkg/devmgr"
)

type simulateOptions struct {
	storeDir string
	quiet    bool
}

func newSimulateCmd() *cobra.Command {
	opts := &simulateOptions{}
	cmd := &cobra.Command{
		Use:   "simulate <scenario.yaml>",
		Short: "Replay a scripted stack session through the device manager",
		Long: `Replay a scripted protocol-stack session through a device manager and
print every event it raises and every stack request it makes.

Each step is a stack callback (connected, pairing_complete, ...), an
application call (request_update, configure) or a stack fault (fail_next).
Steps may list the events and stack calls they expect; the run stops at the
first mismatch.

Bonds live in memory unless --store is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd, opts, args[0])
		},
	}
	cmd.Flags().StringVarP(&opts.storeDir, "store", "s", "", "Keep bonds in this store directory")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "Only print the summary")
	return cmd
}

func runSimulate(cmd *cobra.Command, opts *simulateOptions, path string) error {
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	colored, err := colorEnabled(cmd, out)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	sc, err := replay.LoadScenario(path)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	var engine storage.Engine = storage.NewMemEngine()
	if opts.storeDir != "" {
		if engine, err = storage.NewFileEngine(opts.storeDir, logger); err != nil {
			return err
		}
	}

	st := replay.NewStack(logger)
	m, err := devmgr.New(cfg, st, engine, logger)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()

	runner := replay.NewRunner(st, m, logger)
	if err := m.RegisterHandler(runner.Handler()); err != nil {
		return err
	}

	// tally is fed off the callback path through a queue
	tally := make(map[events.Type]int)
	queue, err := events.NewQueue(256, logger)
	if err != nil {
		return err
	}
	if err := m.RegisterHandler(queue.Handler()); err != nil {
		return err
	}
	pumpCtx, stopPump := context.WithCancel(cmd.Context())
	pumped := queue.Pump(pumpCtx, "simulate-tally", func(evt events.Event) { tally[evt.Type]++ })

	pal := newPalette(colored)
	fmt.Fprintf(out, "%s %s\n", pal.info.Sprint("scenario:"), sc.Name)

	var observe func(replay.StepResult)
	if !opts.quiet {
		observe = func(res replay.StepResult) { printStep(out, pal, res) }
	}

	results, runErr := runner.Run(cmd.Context(), sc, observe)

	stopPump()
	<-pumped
	queue.Drain(func(evt events.Event) { tally[evt.Type]++ })
	if !opts.quiet {
		printTally(out, pal, tally, queue.Overwritten())
	}

	var nEvents, nCalls int
	for _, res := range results {
		nEvents += len(res.Events)
		nCalls += len(res.Calls)
	}
	summary := fmt.Sprintf("%d/%d steps, %d events, %d stack calls", len(results), len(sc.Steps), nEvents, nCalls)
	if runErr != nil {
		fmt.Fprintf(out, "%s %s\n", pal.fail.Sprint("FAIL"), summary)
		return runErr
	}
	fmt.Fprintf(out, "%s %s\n", pal.ok.Sprint("PASS"), summary)
	return nil
}

func printStep(w io.Writer, pal *palette, res replay.StepResult) {
	head := res.Step.Do
	if res.Step.Handle != 0 {
		head = fmt.Sprintf("%s handle=0x%04x", head, res.Step.Handle)
	}
	fmt.Fprintf(w, "%s %s\n", pal.dim.Sprintf("[%02d]", res.Index+1), head)

	for _, c := range res.Calls {
		fmt.Fprintf(w, "     %s %s\n", pal.dim.Sprint("->"), c)
	}
	for _, evt := range res.Events {
		fmt.Fprintf(w, "     %s %s\n", pal.dim.Sprint("<-"), eventColor(pal, evt).Sprint(evt))
	}
	if res.Err != nil {
		text := res.Err.Error()
		if res.Step.Error != "" {
			text = "expected error: " + text
		}
		fmt.Fprintf(w, "     %s %s\n", pal.dim.Sprint("!!"), pal.fail.Sprint(strings.TrimSpace(text)))
	}
}

func printTally(w io.Writer, pal *palette, tally map[events.Type]int, dropped uint64) {
	parts := make([]string, 0, len(tally))
	for t := events.Connected; t <= events.ConnUpdateFail; t++ {
		if n := tally[t]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", t, n))
		}
	}
	line := strings.Join(parts, " ")
	if dropped > 0 {
		line += fmt.Sprintf(" (%d dropped)", dropped)
	}
	fmt.Fprintf(w, "%s %s\n", pal.info.Sprint("events:"), line)
}

func eventColor(pal *palette, evt events.Event) *color.Color {
	switch evt.Type {
	case events.SecurityFail, events.ConnUpdateFail, events.PairedDeviceFull:
		return pal.fail
	case events.SecuritySuccess, events.ConnUpdateSuccess, events.PairedDeviceUpdated:
		return pal.ok
	default:
		return pal.info
	}
}
