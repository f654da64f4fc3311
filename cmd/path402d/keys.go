package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bitfsorg/path402-go/wallet"
)

func newKeysCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the operator keystore",
		Long: `Manages the encrypted keystore in the data directory. The password is
read from ` + envPassword + `.`,
	}
	cmd.AddCommand(newKeysInitCmd(a), newKeysShowCmd(a))
	return cmd
}

func newKeysInitCmd(a *app) *cobra.Command {
	var (
		words      int
		mnemonic   string
		passphrase string
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the keystore from a new or given mnemonic",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if mnemonic == "" {
				bits := wallet.Mnemonic12Words
				if words == 24 {
					bits = wallet.Mnemonic24Words
				} else if words != 12 {
					return fmt.Errorf("--words must be 12 or 24, got %d", words)
				}
				var err error
				if mnemonic, err = wallet.GenerateMnemonic(bits); err != nil {
					return err
				}
				fmt.Fprintf(out, "mnemonic: %s\nwrite it down; it is not stored in clear\n\n", mnemonic)
			}
			seed, err := wallet.SeedFromMnemonic(mnemonic, passphrase)
			if err != nil {
				return err
			}
			keys, err := wallet.NewKeyring(seed, a.cfg.Network)
			if err != nil {
				return err
			}
			if err := wallet.InitKeystore(a.keystorePath(), seed, os.Getenv(envPassword)); err != nil {
				return err
			}
			fmt.Fprintf(out, "keystore written to %s\n", a.keystorePath())
			return printRoleKeys(out, keys)
		},
	}
	f := cmd.Flags()
	f.IntVar(&words, "words", 12, "mnemonic length when generating (12 or 24)")
	f.StringVar(&mnemonic, "mnemonic", "", "restore from this mnemonic instead of generating one")
	f.StringVar(&passphrase, "passphrase", "", "optional BIP39 passphrase")
	return cmd
}

func newKeysShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the role addresses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			keys, err := a.keyring()
			if err != nil {
				return err
			}
			return printRoleKeys(cmd.OutOrStdout(), keys)
		},
	}
}

func printRoleKeys(out io.Writer, keys *wallet.Keyring) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ROLE\tADDRESS\tPATH")
	for _, role := range wallet.Roles() {
		kp, err := keys.RoleKey(role)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", role, kp.Address, kp.Path)
	}
	return w.Flush()
}
