package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/bitfsorg/path402-go/ledger"
)

func newDistributeCmd(a *app) *cobra.Command {
	var (
		pool    uint64
		process bool
	)
	cmd := &cobra.Command{
		Use:   "distribute [token-id]",
		Short: "Create dividend distributions and pay them",
		Long: `Without a token, sweeps the unswept revenue of every token into a
distribution. With a token, distributes --pool, or its revenue when --pool
is zero. Pending claims are then paid unless --process=false.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			n, err := a.buildNode(ctx)
			if err != nil {
				return err
			}
			defer n.Close()

			var created []*ledger.Distribution
			switch {
			case len(args) == 0:
				created, err = n.dividends.DistributeAll(ctx)
			case pool > 0:
				var d *ledger.Distribution
				d, err = n.dividends.Distribute(ctx, args[0], pool)
				created = append(created, d)
			default:
				var d *ledger.Distribution
				d, err = n.dividends.DistributeRevenue(ctx, args[0])
				created = append(created, d)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, d := range created {
				fmt.Fprintf(out, "distribution %s: token %s, pool %s, %d claims\n",
					d.ID, d.TokenID, humanize.Comma(int64(d.Pool)), d.Claims)
			}
			if !process {
				return nil
			}
			paid, err := n.dividends.ProcessPending(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "paid %d claims\n", paid)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&pool, "pool", 0, "amount to distribute (token only)")
	cmd.Flags().BoolVar(&process, "process", true, "pay pending claims afterwards")
	return cmd
}
