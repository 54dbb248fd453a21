package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zerorouter/zerorouter/backend/internal/service/completion"
	"github.com/zerorouter/zerorouter/backend/internal/service/session"
)

func newRunCmd(build appBuilder) *cobra.Command {
	var (
		keepOpen bool
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run <prompt...>",
		Short: "Stream one metered completion and settle the session",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := build(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return a.run(ctx, cmd.OutOrStdout(), strings.Join(args, " "), keepOpen)
		},
	}

	cmd.Flags().BoolVar(&keepOpen, "keep-open", false, "leave the session open instead of settling after the reply")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Minute, "overall deadline")
	return cmd
}

func (a *app) run(ctx context.Context, out io.Writer, prompt string, keepOpen bool) error {
	s := a.styles
	fmt.Fprintln(out, s.title.Render("ZeroRouter session"))
	fmt.Fprintln(out, s.row("payer", a.key.PublicKey()))
	fmt.Fprintln(out, s.row("provider", a.orchestrator.Config().Provider))
	fmt.Fprintln(out, s.row("rate", fmt.Sprintf("%d / token", a.orchestrator.Config().Rate)))
	fmt.Fprintln(out)

	res, err := a.orchestrator.Submit(ctx, []completion.Message{{Role: "user", Content: prompt}}, func(delta string) {
		fmt.Fprint(out, s.delta.Render(delta))
	})
	fmt.Fprintln(out)
	a.orchestrator.WaitTicks()

	if err != nil && res.Units == 0 {
		a.printJournal(out)
		return err
	}
	if err != nil {
		fmt.Fprintln(out, s.warning.Render("stream interrupted: "+err.Error()))
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, s.row("tokens", res.Units))
	fmt.Fprintln(out, s.row("cost", res.Cost))
	fmt.Fprintln(out, s.row("usage ops", res.UsageOps))

	if keepOpen {
		a.printJournal(out)
		fmt.Fprintln(out, s.faint.Render("session left open; settle later with `sessiontester close`"))
		return nil
	}

	sig, closeErr := a.orchestrator.Close(ctx)
	a.printJournal(out)
	if closeErr != nil {
		if errors.Is(closeErr, session.ErrInvalidTransition) {
			return fmt.Errorf("session was not active: %w", closeErr)
		}
		return fmt.Errorf("settle session: %w", closeErr)
	}
	fmt.Fprintln(out, s.row("settled", s.tx.Render(sig.String())))
	return nil
}

func (a *app) printJournal(out io.Writer) {
	s := a.styles
	fmt.Fprintln(out)
	fmt.Fprintln(out, s.title.Render("ledger"))
	for _, e := range a.journal.Entries() {
		line := fmt.Sprintf("[%s] %s", e.Kind, e.Content)
		if e.Signature != "" {
			line += " " + s.tx.Render(e.Signature)
		}
		fmt.Fprintln(out, line)
		if e.Count > 1 {
			for _, sub := range e.SubEntries {
				fmt.Fprintln(out, s.faint.Render("    "+sub.Content+" "+sub.Signature))
			}
		}
	}
}
