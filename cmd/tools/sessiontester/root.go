package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zerorouter/zerorouter/backend/internal/config"
)

func newRootCmd() *cobra.Command {
	var opts options

	rootCmd := &cobra.Command{
		Use:           "sessiontester",
		Short:         "Drive a metered ZeroRouter session from the terminal",
		Long:          "sessiontester opens (or reuses) a payment session, streams one completion while metering every token on the rollup, and settles the session on the durable ledger. Each transaction is shown for approval before it is signed with the local key.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.keypair, "keypair", "", "solana-keygen JSON keypair used to sign (default: DEMO_WALLET_SECRET, then ~/.config/solana/id.json)")
	flags.BoolVar(&opts.memory, "memory", false, "run against an in-process simulated ledger")
	flags.BoolVarP(&opts.yes, "yes", "y", false, "sign without asking")
	flags.StringVar(&opts.strategy, "strategy", "", "usage strategy: batched or per-unit (default USAGE_STRATEGY)")
	flags.StringVar(&opts.gatewayURL, "gateway", "", "completion gateway base URL (default ZEROROUTER_API_URL)")

	build := func(cmd *cobra.Command) (*app, error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("load configuration: %w", err)
		}
		return wireApp(opts, cfg, cmd.InOrStdin(), cmd.ErrOrStderr(), nil)
	}

	rootCmd.AddCommand(
		newRunCmd(build),
		newStateCmd(build),
		newCloseCmd(build),
	)
	return rootCmd
}

type appBuilder func(cmd *cobra.Command) (*app, error)
