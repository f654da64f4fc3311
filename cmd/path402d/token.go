package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/bitfsorg/path402-go/ledger"
	"github.com/bitfsorg/path402-go/pricing"
	"github.com/bitfsorg/path402-go/wallet"
	"github.com/bitfsorg/path402-go/x402"
)

func newTokenCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Create and inspect tokens",
	}
	cmd.AddCommand(newTokenCreateCmd(a), newTokenListCmd(a))
	return cmd
}

func newTokenCreateCmd(a *app) *cobra.Command {
	var (
		spec  ledger.TokenSpec
		model string
		payTo map[string]string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a token with its whole supply in the treasury",
		Long: `Creates a token. Without --pay-to, BSV payments go to the payee key
from the keystore.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := pricing.ParseModel(model)
			if err != nil {
				return err
			}
			spec.Model = m
			spec.PayTo = make(map[x402.Network]string, len(payTo))
			for n, addr := range payTo {
				spec.PayTo[x402.Network(strings.ToLower(n))] = addr
			}
			if len(spec.PayTo) == 0 {
				keys, err := a.keyring()
				if err != nil {
					return fmt.Errorf("no --pay-to given and keystore unavailable: %w", err)
				}
				payee, err := keys.RoleKey(wallet.RolePayee)
				if err != nil {
					return err
				}
				spec.PayTo[x402.NetworkBSV] = payee.Address
			}

			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			tok, err := ledger.New(store, x402.NewGateway(store)).CreateToken(cmd.Context(), spec)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s), %s units at base price %s\n",
				tok.ID, tok.Name, humanize.Comma(int64(tok.TotalSupply)), humanize.Comma(int64(tok.BasePrice)))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&spec.Name, "name", "", "token name")
	f.StringVar(&spec.Symbol, "symbol", "", "ticker symbol")
	f.StringVar(&model, "model", pricing.SqrtDecay.String(), "pricing model (sqrt_decay, inverse_linear, flat)")
	f.Uint64Var(&spec.BasePrice, "base-price", 0, "base price in the smallest unit")
	f.Uint64Var(&spec.TotalSupply, "supply", 0, "total supply")
	f.StringVar(&spec.Issuer, "issuer", "", "issuer identity")
	f.StringToStringVar(&payTo, "pay-to", nil, "payment address per network, e.g. bsv=1Abc...,base=0x...")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("supply")
	return cmd
}

func newTokenListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			toks, err := ledger.New(store, x402.NewGateway(store)).ListTokens(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tMODEL\tSOLD\tSUPPLY\tREVENUE")
			for _, t := range toks {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", t.ID, t.Name, t.Model,
					humanize.Comma(int64(t.Sold())),
					humanize.Comma(int64(t.TotalSupply)),
					humanize.Comma(int64(t.Revenue)))
			}
			return w.Flush()
		},
	}
}
