package outbounds

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masqtun/masqtun/extras/outbounds/acl"
)

// recorder is the last link of a test chain. It keeps what reached it.
type recorder struct {
	last *AddrEx
}

func (r *recorder) TCP(_ context.Context, reqAddr *AddrEx) (net.Conn, error) {
	cp := *reqAddr
	r.last = &cp
	return nil, nil
}

type zone struct {
	queries atomic.Int32
}

func (z *zone) answer(req *dns.Msg) *dns.Msg {
	z.queries.Add(1)
	m := new(dns.Msg)
	m.SetReply(req)
	q := req.Question[0]
	switch q.Name {
	case "www.example.com.":
		if q.Qtype == dns.TypeA {
			rr, _ := dns.NewRR("www.example.com. 60 IN A 192.0.2.10")
			m.Answer = append(m.Answer, rr)
		} else if q.Qtype == dns.TypeAAAA {
			rr, _ := dns.NewRR("www.example.com. 60 IN AAAA 2001:db8::10")
			m.Answer = append(m.Answer, rr)
		}
	case "v4only.example.com.":
		if q.Qtype == dns.TypeA {
			rr, _ := dns.NewRR("v4only.example.com. 60 IN A 192.0.2.20")
			m.Answer = append(m.Answer, rr)
		}
	default:
		m.Rcode = dns.RcodeNameError
	}
	return m
}

func startDNS(t *testing.T, z *zone) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn: pc,
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
			_ = w.WriteMsg(z.answer(req))
		}),
		NotifyStartedFunc: func() { close(started) },
	}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })
	return pc.LocalAddr().String()
}

func startDoH(t *testing.T, z *zone) string {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/dns-message" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		body, _ := io.ReadAll(r.Body)
		req := new(dns.Msg)
		if err := req.Unpack(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		out, _ := z.answer(req).Pack()
		w.Header().Set("Content-Type", "application/dns-message")
		_, _ = w.Write(out)
	}))
	t.Cleanup(ts.Close)
	return ts.URL + "/dns-query"
}

func TestResolvers(t *testing.T) {
	z := &zone{}
	dnsAddr := startDNS(t, z)
	dohURL := startDoH(t, z)
	tests := []struct {
		name string
		new  func(next PluggableOutbound) PluggableOutbound
	}{
		{"udp", func(next PluggableOutbound) PluggableOutbound {
			return NewStandardResolver("udp", dnsAddr, time.Second, "", false, next)
		}},
		{"https", func(next PluggableOutbound) PluggableOutbound {
			return NewDoHResolver(dohURL, time.Second, "", false, next)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			r := tt.new(rec)

			_, err := r.TCP(context.Background(), &AddrEx{Host: "www.example.com", Port: 443})
			require.NoError(t, err)
			require.NotNil(t, rec.last.ResolveInfo)
			assert.Equal(t, "192.0.2.10", rec.last.ResolveInfo.IPv4.String())
			assert.Equal(t, "2001:db8::10", rec.last.ResolveInfo.IPv6.String())
			assert.NoError(t, rec.last.ResolveInfo.Err)

			_, err = r.TCP(context.Background(), &AddrEx{Host: "v4only.example.com", Port: 80})
			require.NoError(t, err)
			assert.Equal(t, "192.0.2.20", rec.last.ResolveInfo.IPv4.String())
			assert.Nil(t, rec.last.ResolveInfo.IPv6)

			_, err = r.TCP(context.Background(), &AddrEx{Host: "missing.example.com", Port: 80})
			require.NoError(t, err)
			var de *net.DNSError
			require.ErrorAs(t, rec.last.ResolveInfo.Err, &de)
			assert.True(t, de.IsNotFound)

			// literals never reach the server
			before := z.queries.Load()
			_, err = r.TCP(context.Background(), &AddrEx{Host: "198.51.100.1", Port: 80})
			require.NoError(t, err)
			assert.Equal(t, before, z.queries.Load())
			assert.Equal(t, "198.51.100.1", rec.last.ResolveInfo.IPv4.String())
		})
	}
}

func TestResolveCache(t *testing.T) {
	z := &zone{}
	rec := &recorder{}
	ob, err := NewResolveCache(NewStandardResolver("udp", startDNS(t, z), time.Second, "", false, rec), 16, time.Minute)
	require.NoError(t, err)
	c := ob.(*cacheOutbound)
	now := time.Now()
	c.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		_, err = c.TCP(context.Background(), &AddrEx{Host: "www.example.com", Port: 443})
		require.NoError(t, err)
		assert.Equal(t, "192.0.2.10", rec.last.ResolveInfo.IPv4.String())
	}
	assert.EqualValues(t, 2, z.queries.Load(), "one A and one AAAA query")

	now = now.Add(2 * time.Minute)
	_, err = c.TCP(context.Background(), &AddrEx{Host: "www.example.com", Port: 443})
	require.NoError(t, err)
	assert.EqualValues(t, 4, z.queries.Load())

	// failures are asked again every time
	for i := 0; i < 2; i++ {
		_, err = c.TCP(context.Background(), &AddrEx{Host: "missing.example.com", Port: 443})
		require.NoError(t, err)
	}
	assert.EqualValues(t, 8, z.queries.Load())

	_, err = NewResolveCache(rec, 16, time.Minute)
	assert.ErrorIs(t, err, errUncacheable)
}

func TestHostsOutbound(t *testing.T) {
	rec := &recorder{}
	h, err := NewHostsOutbound(map[string]string{
		"Bücher.Example": "192.0.2.7",
		"alias.example.": "Real.Example",
	}, rec)
	require.NoError(t, err)

	_, err = h.TCP(context.Background(), &AddrEx{Host: "xn--bcher-kva.example", Port: 80})
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.7", rec.last.Host)
	require.NotNil(t, rec.last.ResolveInfo)
	assert.Equal(t, "192.0.2.7", rec.last.ResolveInfo.IPv4.String())

	_, err = h.TCP(context.Background(), &AddrEx{Host: "ALIAS.example", Port: 80})
	require.NoError(t, err)
	assert.Equal(t, "real.example", rec.last.Host)
	assert.Nil(t, rec.last.ResolveInfo)

	_, err = h.TCP(context.Background(), &AddrEx{Host: "other.example", Port: 80})
	require.NoError(t, err)
	assert.Equal(t, "other.example", rec.last.Host)
}

func TestACLOutbound(t *testing.T) {
	rules, err := acl.ParseTextRules(`
# ads go nowhere
reject(suffix:ads.example)
reject(10.0.0.0/8)
direct(internal.example, tcp/8080, 127.0.0.1)
reject(all, tcp/25)
`)
	require.NoError(t, err)
	rec := &recorder{}
	a, err := NewACLOutbound(rules, 0, rec)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = a.TCP(ctx, &AddrEx{Host: "cdn.ads.example", Port: 443})
	assert.ErrorIs(t, err, ErrRejected)
	_, err = a.TCP(ctx, &AddrEx{Host: "ads.example", Port: 443})
	assert.ErrorIs(t, err, ErrRejected)
	_, err = a.TCP(ctx, &AddrEx{Host: "private.example", Port: 443, ResolveInfo: &ResolveInfo{IPv4: net.IPv4(10, 1, 2, 3)}})
	assert.ErrorIs(t, err, ErrRejected)
	_, err = a.TCP(ctx, &AddrEx{Host: "mail.example", Port: 25})
	assert.ErrorIs(t, err, ErrRejected)

	_, err = a.TCP(ctx, &AddrEx{Host: "internal.example", Port: 8080})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", rec.last.Host)

	rec.last = nil
	_, err = a.TCP(ctx, &AddrEx{Host: "www.example.com", Port: 443})
	require.NoError(t, err)
	require.NotNil(t, rec.last, "unmatched requests go direct")
	assert.Equal(t, "www.example.com", rec.last.Host)

	_, err = NewACLOutbound([]acl.TextRule{{Outbound: "proxy", Address: "all", LineNum: 1}}, 0, rec)
	var ce *acl.CompilationError
	assert.ErrorAs(t, err, &ce)
}

func TestDirectOutbound(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_, _ = io.WriteString(c, "hi")
			_ = c.Close()
		}
	}()
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	ctx := context.Background()

	d := NewDirectOutbound(DirectOutboundModeAuto, false)
	conn, err := d.TCP(ctx, &AddrEx{Host: "localhost.invalid", Port: port, ResolveInfo: &ResolveInfo{IPv4: net.IPv4(127, 0, 0, 1)}})
	require.NoError(t, err)
	b, err := io.ReadAll(conn)
	conn.Close()
	require.NoError(t, err)
	assert.Equal(t, "hi", string(b))

	conn, err = d.TCP(ctx, &AddrEx{Host: "127.0.0.1", Port: port})
	require.NoError(t, err)
	conn.Close()

	_, err = NewDirectOutbound(DirectOutboundMode6, false).TCP(ctx, &AddrEx{Host: "127.0.0.1", Port: port})
	assert.ErrorIs(t, err, errNoAddress)

	resolveErr := errors.New("no such host")
	_, err = d.TCP(ctx, &AddrEx{Host: "nx.example", Port: port, ResolveInfo: &ResolveInfo{Err: resolveErr}})
	assert.ErrorIs(t, err, resolveErr)
}

func TestParseDirectOutboundMode(t *testing.T) {
	for s, want := range map[string]DirectOutboundMode{"": DirectOutboundModeAuto, "auto": DirectOutboundModeAuto, "4": DirectOutboundMode4, "6": DirectOutboundMode6} {
		m, ok := ParseDirectOutboundMode(s)
		assert.True(t, ok, s)
		assert.Equal(t, want, m, s)
	}
	_, ok := ParseDirectOutboundMode("46")
	assert.False(t, ok)
}

func TestAdapter(t *testing.T) {
	rec := &recorder{}
	a := NewAdapter(rec)
	_, err := a.TCP(context.Background(), "example.com:443")
	require.NoError(t, err)
	assert.Equal(t, &AddrEx{Host: "example.com", Port: 443}, rec.last)
	_, err = a.TCP(context.Background(), "example.com")
	assert.Error(t, err)
	_, err = a.TCP(context.Background(), "example.com:99999")
	assert.Error(t, err)
}
