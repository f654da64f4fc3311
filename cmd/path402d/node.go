package main

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/bitfsorg/path402-go/dividend"
	"github.com/bitfsorg/path402-go/ledger"
	"github.com/bitfsorg/path402-go/metrics"
	"github.com/bitfsorg/path402-go/network"
	"github.com/bitfsorg/path402-go/notary"
	"github.com/bitfsorg/path402-go/paymail"
	"github.com/bitfsorg/path402-go/payout"
	"github.com/bitfsorg/path402-go/wallet"
	"github.com/bitfsorg/path402-go/x402"
)

// node holds the wired services of a running daemon.
type node struct {
	store     ledgerStore
	chain     network.BlockchainService
	keys      *wallet.Keyring
	metrics   *metrics.Metrics
	ledger    *ledger.Ledger
	outbox    *ledger.OutboxWorker
	dividends *dividend.Engine
}

// buildNode opens the store and keystore and wires every service.
func (a *app) buildNode(ctx context.Context) (*node, error) {
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	n := &node{
		store:   store,
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	if err := a.wire(ctx, n); err != nil {
		_ = store.Close()
		return nil, err
	}
	return n, nil
}

func (a *app) wire(ctx context.Context, n *node) error {
	chain, err := a.chain()
	if err != nil {
		return err
	}
	n.chain = chain

	keys, err := a.keyring()
	if err != nil {
		return fmt.Errorf("open keystore: %w", err)
	}
	n.keys = keys

	gateway, err := a.gateway(ctx, n)
	if err != nil {
		return err
	}

	notaryKey, err := keys.RoleKey(wallet.RoleNotary)
	if err != nil {
		return err
	}
	nt, err := notary.New(n.chain, notaryKey.PrivateKey, keys.Mainnet(),
		notary.WithLogger(a.logger.Named("notary")))
	if err != nil {
		return fmt.Errorf("notary: %w", err)
	}
	n.outbox = ledger.NewOutboxWorker(n.store, nt,
		ledger.WithOutboxInterval(a.cfg.OutboxInterval),
		ledger.WithOutboxLogger(a.logger.Named("outbox")),
		ledger.WithOutboxMetrics(n.metrics))

	n.ledger = ledger.New(n.store, gateway,
		ledger.WithLogger(a.logger.Named("ledger")),
		ledger.WithMetrics(n.metrics),
		ledger.WithMintHook(n.outbox.Wake))

	n.dividends, err = a.dividendEngine(n)
	return err
}

// chain returns the BSV node client.
func (a *app) chain() (network.BlockchainService, error) {
	flags := &network.RPCConfig{URL: a.cfg.RPCURL, User: a.cfg.RPCUser, Password: a.cfg.RPCPass}
	env := map[string]string{
		network.EnvRPCURL:  os.Getenv(network.EnvRPCURL),
		network.EnvRPCUser: os.Getenv(network.EnvRPCUser),
		network.EnvRPCPass: os.Getenv(network.EnvRPCPass),
	}
	rc, err := network.ResolveConfig(flags, env, a.cfg.Network)
	if err != nil {
		return nil, err
	}
	return network.NewRPCClient(*rc, network.WithLogger(a.logger.Named("rpc"))), nil
}

// gateway registers an authenticator for every configured payment network.
func (a *app) gateway(ctx context.Context, n *node) (*x402.Gateway, error) {
	g := x402.NewGateway(n.store,
		x402.WithLogger(a.logger.Named("x402")),
		x402.WithObserver(n.metrics),
		x402.WithAuthenticator(x402.NetworkBSV, x402.NewBSVAuthenticator(n.chain)))

	if a.cfg.EVMRPC != "" {
		client, err := x402.DialEVM(ctx, a.cfg.EVMRPC)
		if err != nil {
			return nil, fmt.Errorf("dial evm rpc: %w", err)
		}
		chainID, err := client.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("evm chain id: %w", err)
		}
		registered := false
		for nw, domain := range x402.DefaultEVMDomains {
			if domain.ChainID == chainID.Uint64() {
				g.Register(nw, x402.NewEVMAuthenticator(nw, domain, client))
				a.logger.Info("evm payments enabled",
					zap.String("network", string(nw)), zap.Uint64("chain_id", domain.ChainID))
				registered = true
			}
		}
		if !registered {
			return nil, fmt.Errorf("evm rpc serves unsupported chain id %s", chainID)
		}
	}

	if a.cfg.SolanaRPC != "" {
		g.Register(x402.NetworkSolana,
			x402.NewSolanaAuthenticator(x402.NewSolanaRPCReader(a.cfg.SolanaRPC)))
		a.logger.Info("solana payments enabled")
	}
	return g, nil
}

// dividendEngine pays dividends in BSV from the payout role key, resolving
// paymail destinations through DNSSEC when enabled.
func (a *app) dividendEngine(n *node) (*dividend.Engine, error) {
	payoutKey, err := n.keys.RoleKey(wallet.RolePayout)
	if err != nil {
		return nil, err
	}

	pmOpts := []paymail.Option{
		paymail.WithLogger(a.logger.Named("paymail")),
	}
	if a.cfg.DNSSEC {
		pmOpts = append(pmOpts, paymail.WithResolver(paymail.NewDNSSECResolver(a.cfg.DNSUpstream)))
	}

	rail, err := payout.NewBSVRail(n.chain, payoutKey.PrivateKey, n.keys.Mainnet(),
		payout.WithPaymail(paymail.NewClient(pmOpts...)),
		payout.WithLogger(a.logger.Named("payout")))
	if err != nil {
		return nil, fmt.Errorf("payout rail: %w", err)
	}
	router := payout.NewRouter().Register(payout.CurrencyBSV, rail)

	return dividend.New(n.store, router,
		dividend.WithPoolShare(a.cfg.PoolShareBps),
		dividend.WithMinPayout(a.cfg.MinPayout),
		dividend.WithMetrics(n.metrics),
		dividend.WithLogger(a.logger.Named("dividend"))), nil
}

func (n *node) Close() error {
	return n.store.Close()
}
