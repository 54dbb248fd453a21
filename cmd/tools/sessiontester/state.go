package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/zerorouter/zerorouter/backend/internal/service/ledger"
)

func newStateCmd(build appBuilder) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show the on-ledger session and wallet balances",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := build(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			return a.state(ctx, cmd.OutOrStdout())
		},
	}
}

func newCloseCmd(build appBuilder) *cobra.Command {
	return &cobra.Command{
		Use:   "close",
		Short: "Settle an open session: pay the provider and refund the rest",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := build(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			return a.close(ctx, cmd.OutOrStdout())
		},
	}
}

func (a *app) state(ctx context.Context, out io.Writer) error {
	s := a.styles
	payer, provider := a.key.PublicKey(), a.orchestrator.Config().Provider

	address, err := a.client.Resolve(payer, provider)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, s.title.Render("session"))
	fmt.Fprintln(out, s.row("address", address))

	account, found, err := a.client.GetSession(ctx, payer, provider)
	if err != nil {
		return fmt.Errorf("read session: %w", err)
	}
	if !found {
		fmt.Fprintln(out, s.row("status", s.faint.Render("not initialized")))
	} else {
		delegated, err := a.client.IsDelegated(ctx, address)
		if err != nil {
			return fmt.Errorf("read delegation: %w", err)
		}
		fmt.Fprintln(out, s.row("active", account.IsActive))
		fmt.Fprintln(out, s.row("delegated", delegated))
		fmt.Fprintln(out, s.row("rate", account.RatePerToken))
		fmt.Fprintln(out, s.row("accumulated", account.AccumulatedAmount))
		fmt.Fprintln(out, s.row("deposited", account.TotalDeposited))
		fmt.Fprintln(out, s.row("refundable", account.Remaining()))
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, s.title.Render("wallet"))
	fmt.Fprintln(out, s.row("payer", payer))
	if err := a.poller.PollOnce(ctx); err != nil {
		fmt.Fprintln(out, s.warning.Render("balance unavailable: "+err.Error()))
		return nil
	}
	snap := a.tracker.Snapshot()
	fmt.Fprintln(out, s.row("tokens", snap.Balance))
	fmt.Fprintln(out, s.row("lamports", snap.Lamports))
	return nil
}

// close settles a session opened by an earlier process, so it talks to
// the client directly rather than through the orchestrator's state.
func (a *app) close(ctx context.Context, out io.Writer) error {
	s := a.styles
	payer, provider := a.key.PublicKey(), a.orchestrator.Config().Provider

	if _, err := a.client.Resolve(payer, provider); err != nil {
		return err
	}
	account, found, err := a.client.GetSession(ctx, payer, provider)
	if err != nil {
		return fmt.Errorf("read session: %w", err)
	}
	if !found {
		fmt.Fprintln(out, s.faint.Render("no open session"))
		return nil
	}

	op, err := a.client.BuildClose(payer, provider)
	if err != nil {
		return err
	}
	sig, err := a.client.Submit(ctx, op)
	if err != nil {
		return fmt.Errorf("submit close: %w", err)
	}
	if err := a.client.Confirm(ctx, ledger.VenueDurable, sig, ledger.CommitmentConfirmed); err != nil {
		return fmt.Errorf("confirm close: %w", err)
	}

	fmt.Fprintln(out, s.row("provider paid", account.AccumulatedAmount))
	fmt.Fprintln(out, s.row("refunded", account.Remaining()))
	fmt.Fprintln(out, s.row("signature", s.tx.Render(sig.String())))
	return nil
}
