package paymail

import (
	"context"
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startDNS serves handler on a local UDP port and returns its address.
func startDNS(t *testing.T, handler dns.HandlerFunc) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })
	return pc.LocalAddr().String()
}

// srvHandler answers SRV queries with one record, setting the AD flag when
// authenticated is true.
func srvHandler(authenticated bool, records ...*dns.SRV) dns.HandlerFunc {
	return func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		m.AuthenticatedData = authenticated
		for _, rec := range records {
			rec.Hdr = dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: 60}
			m.Answer = append(m.Answer, rec)
		}
		_ = w.WriteMsg(m)
	}
}

func TestNewDNSSECResolver_Defaults(t *testing.T) {
	assert.Equal(t, "8.8.8.8:53", NewDNSSECResolver("").Upstream)
	assert.Equal(t, "1.1.1.1:53", NewDNSSECResolver("1.1.1.1:53").Upstream)
}

func TestDNSSECResolver_LookupSRV(t *testing.T) {
	addr := startDNS(t, srvHandler(true,
		&dns.SRV{Priority: 10, Weight: 5, Port: 8443, Target: "pay.example.com."},
	))
	r := NewDNSSECResolver(addr)

	_, srvs, err := r.LookupSRV(context.Background(), SRVPaymail, "tcp", "example.com")
	require.NoError(t, err)
	require.Len(t, srvs, 1)
	assert.Equal(t, "pay.example.com", srvs[0].Target)
	assert.Equal(t, uint16(8443), srvs[0].Port)

	endpoints, err := ResolveEndpoints(context.Background(), r, "example.com", SRVPaymail)
	require.NoError(t, err)
	assert.Equal(t, []string{"pay.example.com:8443"}, endpoints)
}

func TestDNSSECResolver_RequiresAD(t *testing.T) {
	addr := startDNS(t, srvHandler(false,
		&dns.SRV{Priority: 10, Weight: 5, Port: 443, Target: "pay.example.com."},
	))
	r := NewDNSSECResolver(addr)

	_, _, err := r.LookupSRV(context.Background(), SRVPaymail, "tcp", "example.com")
	assert.ErrorIs(t, err, ErrDNSSECValidationFailed)

	// A client must not fall back to the bare domain on a validation failure.
	_, err = NewClient(WithResolver(r)).Host(context.Background(), "example.com")
	assert.ErrorIs(t, err, ErrDNSSECValidationFailed)
}

func TestDNSSECResolver_AuthenticatedEmptyAnswer(t *testing.T) {
	addr := startDNS(t, srvHandler(true))
	r := NewDNSSECResolver(addr)

	_, _, err := r.LookupSRV(context.Background(), SRVPaymail, "tcp", "example.com")
	assert.ErrorIs(t, err, ErrNoEndpoints)

	host, err := NewClient(WithResolver(r)).Host(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, "example.com:443", host)
}

func TestDNSSECResolver_Unreachable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := NewDNSSECResolver("127.0.0.1:1").LookupSRV(ctx, SRVPaymail, "tcp", "example.com")
	assert.ErrorIs(t, err, ErrDNSLookupFailed)
}
