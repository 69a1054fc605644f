package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"creditline/internal/app"
	"creditline/internal/domain"
	"creditline/internal/ledger"
)

func ledgerCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "ledger",
		Short: "Wallet, balance and credit transactions",
		Long:  "Mint, lease and burn return a pending transaction. Pass --wait, or run 'cl ledger watch', to resolve it.",
	}
	l.PersistentFlags().Bool("wait", false, "wait until the transaction resolves")
	l.AddCommand(ledgerShowCmd())
	l.AddCommand(ledgerMintCmd())
	l.AddCommand(ledgerLeaseCmd())
	l.AddCommand(ledgerBurnCmd())
	l.AddCommand(ledgerTxCmd())
	l.AddCommand(ledgerRetryCmd())
	l.AddCommand(ledgerWalletCmd())
	l.AddCommand(ledgerResetCmd())
	l.AddCommand(ledgerWatchCmd())
	return l
}

func ledgerShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show wallet, balance and transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				snap, err := a.Engine.LedgerSnapshot(currentActor())
				if err != nil {
					return err
				}
				return printSnapshot(snap)
			})
		},
	}
}

func ledgerMintCmd() *cobra.Command {
	var amount, projectID string
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint credits for a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return submitAndReport(cmd, func(ctx context.Context, a *app.App) (domain.Transaction, error) {
				return a.Engine.Mint(ctx, currentActor(), amount, projectID)
			})
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "", "credit amount")
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func ledgerLeaseCmd() *cobra.Command {
	var amount, projectID, to string
	cmd := &cobra.Command{
		Use:   "lease",
		Short: "Lease credits to a recipient",
		RunE: func(cmd *cobra.Command, args []string) error {
			return submitAndReport(cmd, func(ctx context.Context, a *app.App) (domain.Transaction, error) {
				return a.Engine.Lease(ctx, currentActor(), to, projectID, amount)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "recipient address")
	cmd.Flags().StringVar(&amount, "amount", "", "credit amount")
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	return cmd
}

func ledgerBurnCmd() *cobra.Command {
	var amount string
	cmd := &cobra.Command{
		Use:   "burn",
		Short: "Retire credits",
		RunE: func(cmd *cobra.Command, args []string) error {
			return submitAndReport(cmd, func(ctx context.Context, a *app.App) (domain.Transaction, error) {
				return a.Engine.Burn(ctx, currentActor(), amount)
			})
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "", "credit amount")
	return cmd
}

func ledgerTxCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tx <hash>",
		Short: "Show a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tx, err := a.Engine.Transaction(currentActor(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(tx)
			})
		},
	}
}

func ledgerRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <hash>",
		Short: "Resubmit a failed transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return submitAndReport(cmd, func(ctx context.Context, a *app.App) (domain.Transaction, error) {
				return a.Engine.RetryTransaction(ctx, currentActor(), args[0])
			})
		},
	}
}

func ledgerWalletCmd() *cobra.Command {
	var address, balance string
	var chainID int64
	var connected bool
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Set wallet fields",
		RunE: func(cmd *cobra.Command, args []string) error {
			var p ledger.WalletPatch
			if cmd.Flags().Changed("address") {
				p.Address = &address
			}
			if cmd.Flags().Changed("balance") {
				p.Balance = &balance
			}
			if cmd.Flags().Changed("chain-id") {
				p.ChainID = &chainID
			}
			if cmd.Flags().Changed("connected") {
				p.IsConnected = &connected
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				snap, err := a.Engine.SetWallet(currentActor(), p)
				if err != nil {
					return err
				}
				return printSnapshot(snap)
			})
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "wallet address")
	cmd.Flags().StringVar(&balance, "balance", "", "native balance")
	cmd.Flags().Int64Var(&chainID, "chain-id", 0, "chain id")
	cmd.Flags().BoolVar(&connected, "connected", false, "wallet connected")
	return cmd
}

func ledgerResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Clear wallet and transaction state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.ResetLedger(ctx, currentActor()); err != nil {
					return err
				}
				fmt.Println("ledger reset")
				return nil
			})
		},
	}
}

func ledgerWatchCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll pending transactions until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if once {
					resolved, err := a.Watcher.Poll(ctx)
					if err != nil {
						return err
					}
					return printJSONOrTable(resolved)
				}
				wait := a.Start(ctx)
				<-ctx.Done()
				wait()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "poll once and exit")
	return cmd
}

func submitAndReport(cmd *cobra.Command, fn func(context.Context, *app.App) (domain.Transaction, error)) error {
	wait, _ := cmd.Flags().GetBool("wait")
	return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
		tx, err := fn(ctx, a)
		if err != nil {
			return err
		}
		if wait {
			if tx, err = waitForTransaction(ctx, a, tx.Hash); err != nil {
				return err
			}
		}
		return printJSONOrTable(tx)
	})
}

// waitForTransaction polls until hash leaves pending. The watcher enforces
// the confirmation timeout, so this returns once that elapses at the latest.
func waitForTransaction(ctx context.Context, a *app.App, hash string) (domain.Transaction, error) {
	interval := a.Config.Confirmation.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	for {
		if _, err := a.Watcher.Poll(ctx); err != nil {
			return domain.Transaction{}, err
		}
		tx, ok := a.Engine.Ledger.Transaction(hash)
		if !ok {
			return domain.Transaction{}, fmt.Errorf("%w: transaction %s", domain.ErrNotFound, hash)
		}
		if tx.Status != domain.TxPending {
			return tx, nil
		}
		select {
		case <-ctx.Done():
			return tx, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func printSnapshot(snap ledger.Snapshot) error {
	if viper.GetBool("json") {
		return printJSON(snap)
	}
	w := snap.Wallet
	fmt.Printf("Wallet %s  chain %d  connected=%t  native=%s\n", w.Address, w.ChainID, w.IsConnected, w.Balance)
	fmt.Printf("Carbon balance: %s\n", snap.CarbonBalance)
	if len(snap.OwnedProjects) > 0 {
		fmt.Printf("Owned projects: %v\n", snap.OwnedProjects)
	}
	if len(snap.LeasedCredits) > 0 {
		tw := newTable()
		tw.AppendHeader(table.Row{"Project", "Amount", "Recipient", "Leased", "Expires"})
		for _, l := range snap.LeasedCredits {
			tw.AppendRow(table.Row{l.ProjectID, l.Amount, l.Recipient, l.LeaseDate, l.ExpiryDate})
		}
		tw.Render()
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Hash", "Kind", "Amount", "Project", "Status", "Submitted", "Error"})
	for _, tx := range append(append([]domain.Transaction{}, snap.Pending...), snap.Completed...) {
		tw.AppendRow(table.Row{tx.Hash, tx.Kind, tx.Amount, tx.ProjectID, tx.Status, tx.SubmittedAt, tx.Error})
	}
	tw.Render()
	return nil
}
