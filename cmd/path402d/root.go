package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bitfsorg/path402-go/config"
	"github.com/bitfsorg/path402-go/ledger"
	"github.com/bitfsorg/path402-go/ledger/pgstore"
	"github.com/bitfsorg/path402-go/wallet"
)

// envPassword holds the keystore password.
const envPassword = "PATH402_PASSWORD"

// app is the state shared by every command.
type app struct {
	dataDir string // --datadir
	cfgFile string // --config

	cfg    config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "path402d",
		Short:         "Payment-verified token ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&a.dataDir, "datadir", "", "data directory (default ~/.path402)")
	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default <datadir>/config)")

	root.AddCommand(
		newServeCmd(a),
		newTokenCmd(a),
		newDistributeCmd(a),
		newKeysCmd(a),
		newConfigCmd(a),
	)
	return root
}

// load reads the config file, falling back to defaults and environment
// when the default file is absent.
func (a *app) load() error {
	dataDir := a.dataDir
	if dataDir == "" {
		dataDir = config.LoadEnv().DataDir
	}
	path := a.cfgFile
	if path == "" {
		path = config.ConfigPath(dataDir)
	}

	cfg, err := config.LoadConfig(path)
	switch {
	case errors.Is(err, config.ErrConfigNotFound) && a.cfgFile == "":
		cfg = config.LoadEnv()
	case err != nil:
		return err
	}
	if a.dataDir != "" {
		cfg.DataDir = a.dataDir
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return err
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

// ledgerStore is a ledger store that can drop lapsed payment nonces.
type ledgerStore interface {
	ledger.Store
	PruneNonces(ctx context.Context) (int, error)
}

var (
	_ ledgerStore = (*ledger.BoltStore)(nil)
	_ ledgerStore = (*pgstore.Store)(nil)
)

// openStore opens Postgres when configured and the bbolt ledger otherwise.
func (a *app) openStore(ctx context.Context) (ledgerStore, error) {
	if a.cfg.Postgres != "" {
		s, err := pgstore.Open(ctx, a.cfg.Postgres, pgstore.WithLogger(a.logger))
		if err != nil {
			return nil, fmt.Errorf("open postgres ledger: %w", err)
		}
		return s, nil
	}
	if err := os.MkdirAll(a.cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s, err := ledger.OpenBoltStore(filepath.Join(a.cfg.DataDir, "ledger.db"))
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return s, nil
}

func (a *app) keystorePath() string {
	return filepath.Join(a.cfg.DataDir, "keystore")
}

// keyring decrypts the keystore with the password from the environment.
func (a *app) keyring() (*wallet.Keyring, error) {
	seed, err := wallet.OpenKeystore(a.keystorePath(), os.Getenv(envPassword))
	if err != nil {
		return nil, err
	}
	return wallet.NewKeyring(seed, a.cfg.Network)
}
