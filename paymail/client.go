package paymail

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// MaxResponseSize bounds every paymail response body.
const MaxResponseSize = 1 << 20

// DefaultTimeout is the HTTP timeout of the default client.
const DefaultTimeout = 30 * time.Second

// Capability keys advertised in .well-known/bsvalias.
const (
	CapPKI                = "pki"
	CapPaymentDestination = "paymentDestination"
	CapP2PDestination     = "2a40af698840"
	CapP2PTransactions    = "5f1323cddf31"
	CapPublicProfile      = "f12f968c92d6"
)

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Capabilities holds the URL templates a paymail host advertises.
type Capabilities struct {
	BSVAlias           string
	PKI                string
	PaymentDestination string // basic address resolution
	P2PDestination     string
	P2PTransactions    string
	PublicProfile      string
}

// Output is one locking script a payment must fund.
type Output struct {
	Script   string `json:"script"` // hex
	Satoshis uint64 `json:"satoshis"`
}

// LockingScript decodes the hex script.
func (o Output) LockingScript() ([]byte, error) {
	b, err := hex.DecodeString(o.Script)
	if err != nil || len(b) == 0 {
		return nil, fmt.Errorf("%w: output script %q", ErrAddressResolution, o.Script)
	}
	return b, nil
}

// Destination is a resolved payment destination for a handle.
type Destination struct {
	Handle    Handle
	Outputs   []Output
	Reference string // P2P reference; empty for basic address resolution

	// ReceiveURL is the expanded P2P transactions endpoint, empty when the
	// host does not accept transactions directly.
	ReceiveURL string
}

// Client resolves handles against paymail hosts.
type Client struct {
	http     Doer
	resolver DNSResolver
	sender   string
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(d Doer) Option {
	return func(c *Client) { c.http = d }
}

// WithResolver sets the SRV resolver. A nil resolver skips SRV lookups and
// contacts the handle's domain directly.
func WithResolver(r DNSResolver) Option {
	return func(c *Client) { c.resolver = r }
}

// WithSenderName sets the senderName reported to basic address resolution.
func WithSenderName(name string) Option {
	return func(c *Client) { c.sender = name }
}

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a Client using the system resolver and a
// DefaultTimeout HTTP client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		http:     &http.Client{Timeout: DefaultTimeout},
		resolver: DefaultDNSResolver,
		sender:   "path402",
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Host returns the host:port serving paymail for domain. A domain without
// a _bsvalias._tcp record is served by itself on 443.
func (c *Client) Host(ctx context.Context, domain string) (string, error) {
	fallback := net.JoinHostPort(domain, "443")
	if c.resolver == nil {
		return fallback, nil
	}
	endpoints, err := ResolveEndpoints(ctx, c.resolver, domain, SRVPaymail)
	if errors.Is(err, ErrNoEndpoints) {
		return fallback, nil
	}
	if err != nil {
		return "", err
	}
	return endpoints[0], nil
}

// Capabilities fetches and parses .well-known/bsvalias for domain.
func (c *Client) Capabilities(ctx context.Context, domain string) (*Capabilities, error) {
	if domain == "" {
		return nil, fmt.Errorf("%w: empty domain", ErrPaymailDiscovery)
	}
	host, err := c.Host(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPaymailDiscovery, err)
	}

	u := "https://" + strings.TrimSuffix(host, ":443") + "/.well-known/bsvalias"
	var doc struct {
		BSVAlias     string         `json:"bsvalias"`
		Capabilities map[string]any `json:"capabilities"`
	}
	if err := c.do(ctx, http.MethodGet, u, nil, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPaymailDiscovery, err)
	}

	caps := &Capabilities{BSVAlias: doc.BSVAlias}
	for key, val := range doc.Capabilities {
		s, ok := val.(string)
		if !ok {
			continue
		}
		switch key {
		case CapPKI, "0c4339ef99c2":
			caps.PKI = s
		case CapPaymentDestination, "759684b1a19a":
			caps.PaymentDestination = s
		case CapP2PDestination:
			caps.P2PDestination = s
		case CapP2PTransactions:
			caps.P2PTransactions = s
		case CapPublicProfile:
			caps.PublicProfile = s
		}
	}
	return caps, nil
}

// PaymentDestination resolves the outputs a payment of satoshis to h must
// fund. P2P payment destination is preferred; hosts that only offer basic
// address resolution get a single output for the full amount.
func (c *Client) PaymentDestination(ctx context.Context, h Handle, satoshis uint64) (*Destination, error) {
	if satoshis == 0 {
		return nil, fmt.Errorf("%w: zero amount", ErrAddressResolution)
	}
	caps, err := c.Capabilities(ctx, h.Domain)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAddressResolution, err)
	}

	switch {
	case caps.P2PDestination != "":
		return c.p2pDestination(ctx, h, caps, satoshis)
	case caps.PaymentDestination != "":
		return c.basicDestination(ctx, h, caps, satoshis)
	default:
		return nil, fmt.Errorf("%w: %s offers no payment destination", ErrCapabilityMissing, h.Domain)
	}
}

func (c *Client) p2pDestination(ctx context.Context, h Handle, caps *Capabilities, satoshis uint64) (*Destination, error) {
	u := expand(caps.P2PDestination, h)
	var resp struct {
		Outputs   []Output `json:"outputs"`
		Reference string   `json:"reference"`
	}
	if err := c.do(ctx, http.MethodPost, u, map[string]uint64{"satoshis": satoshis}, &resp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAddressResolution, err)
	}
	if len(resp.Outputs) == 0 {
		return nil, fmt.Errorf("%w: no outputs in response", ErrAddressResolution)
	}
	var total uint64
	for _, o := range resp.Outputs {
		if _, err := o.LockingScript(); err != nil {
			return nil, err
		}
		total += o.Satoshis
	}
	if total != satoshis {
		return nil, fmt.Errorf("%w: outputs total %d sat, requested %d sat", ErrAddressResolution, total, satoshis)
	}

	d := &Destination{Handle: h, Outputs: resp.Outputs, Reference: resp.Reference}
	if caps.P2PTransactions != "" {
		d.ReceiveURL = expand(caps.P2PTransactions, h)
	}
	c.logger.Debug("resolved p2p destination",
		zap.String("handle", h.String()),
		zap.Int("outputs", len(resp.Outputs)),
		zap.String("reference", resp.Reference))
	return d, nil
}

func (c *Client) basicDestination(ctx context.Context, h Handle, caps *Capabilities, satoshis uint64) (*Destination, error) {
	u := expand(caps.PaymentDestination, h)
	req := map[string]any{
		"senderName": c.sender,
		"dt":         c.now().UTC().Format(time.RFC3339),
		"purpose":    "dividend",
		"amount":     satoshis,
	}
	var resp struct {
		Output string `json:"output"`
	}
	if err := c.do(ctx, http.MethodPost, u, req, &resp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAddressResolution, err)
	}
	out := Output{Script: resp.Output, Satoshis: satoshis}
	if _, err := out.LockingScript(); err != nil {
		return nil, err
	}
	return &Destination{Handle: h, Outputs: []Output{out}}, nil
}

// Submit hands a signed transaction to the receiver of a P2P destination
// and returns the txid the receiver reports.
func (c *Client) Submit(ctx context.Context, d *Destination, rawHex, note string) (string, error) {
	if d == nil || d.ReceiveURL == "" {
		return "", fmt.Errorf("%w: no P2P transactions endpoint", ErrCapabilityMissing)
	}
	req := map[string]any{
		"hex":       rawHex,
		"reference": d.Reference,
		"metadata":  map[string]string{"sender": c.sender, "note": note},
	}
	var resp struct {
		TxID string `json:"txid"`
		Note string `json:"note"`
	}
	if err := c.do(ctx, http.MethodPost, d.ReceiveURL, req, &resp); err != nil {
		return "", fmt.Errorf("%w: %w", ErrSubmitFailed, err)
	}
	return resp.TxID, nil
}

// do sends a JSON request and decodes a JSON response of at most
// MaxResponseSize bytes.
func (c *Client) do(ctx context.Context, method, u string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, u, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s returned status %d", method, u, resp.StatusCode)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

// expand fills a capability URL template, escaping the variables.
func expand(template string, h Handle) string {
	u := strings.ReplaceAll(template, "{alias}", url.PathEscape(h.Alias))
	return strings.ReplaceAll(u, "{domain.tld}", url.PathEscape(h.Domain))
}
