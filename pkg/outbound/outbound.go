// Package outbound is the loopback proxy local applications call to reach
// other mesh services. Calls to mesh hostnames get the configured API key
// and client certificate and are sent to the gateway routing endpoint; any
// other call is passed through to its original destination.
package outbound

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/patrickmn/go-cache"

	"github.com/cloud-apim/otomesh"
	"github.com/cloud-apim/otomesh/pkg/httpfwd"
	"github.com/cloud-apim/otomesh/pkg/resources"
)

const (
	DefaultPort    = 15001
	DefaultTimeout = 30 * time.Second

	// ClientTTL is how long a per-certificate transport is reused.
	ClientTTL = 120 * time.Second
)

// Rule describes how calls to one mesh hostname are decorated. Empty ids
// disable the matching feature.
type Rule struct {
	Hostname     string
	ApiKeyID     string
	ClientCertID string
}

type Config struct {
	Port       int
	MeshDomain string

	// Rules keyed by the mesh hostname.
	Rules map[string]Rule

	// Routing is where mesh calls are sent.
	Routing otomesh.ConnectionTarget

	Timeout time.Duration
}

// Resources is the subset of the resource cache used by the proxy. Lookups
// must not block.
type Resources interface {
	ApiKey(id string) (*resources.ApiKey, bool)
	Certificate(id string) (*resources.Certificate, bool)
}

type Proxy struct {
	Config
	Resources Resources

	// RootCAs verifies the routing endpoint. nil uses the system roots.
	RootCAs *x509.CertPool

	// OriginalDst, when set, recovers the destination of redirected
	// connections for pass-through calls.
	OriginalDst func(net.Conn) (*net.TCPAddr, error)

	PassThrough http.RoundTripper
	Logger      *slog.Logger

	meshOnce sync.Once
	mesh     http.RoundTripper
	clients  *cache.Cache
}

func New(cfg Config, res Resources) *Proxy {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.MeshDomain == "" {
		cfg.MeshDomain = otomesh.DefaultMeshDomain
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	p := &Proxy{
		Config:      cfg,
		Resources:   res,
		PassThrough: cleanhttp.DefaultPooledTransport(),
		Logger:      slog.Default().With("component", "outbound"),
		clients:     cache.New(ClientTTL, ClientTTL/2),
	}
	p.clients.OnEvicted(func(_ string, v interface{}) {
		if t, ok := v.(*http.Transport); ok {
			t.CloseIdleConnections()
		}
	})
	return p
}

func (p *Proxy) transport(certs []tls.Certificate) *http.Transport {
	t := cleanhttp.DefaultPooledTransport()
	t.TLSClientConfig = &tls.Config{
		MinVersion:   tls.VersionTLS12,
		ServerName:   p.Routing.Host(),
		RootCAs:      p.RootCAs,
		Certificates: certs,
	}
	return t
}

func (p *Proxy) meshTransport() http.RoundTripper {
	p.meshOnce.Do(func() {
		p.mesh = p.transport(nil)
	})
	return p.mesh
}

// clientFor returns the transport presenting the given certificate. A
// certificate missing from the cache, or one that does not parse, falls back
// to the plain mesh transport.
func (p *Proxy) clientFor(certID string) (http.RoundTripper, bool) {
	if certID == "" {
		return p.meshTransport(), false
	}
	if t, ok := p.clients.Get(certID); ok {
		return t.(http.RoundTripper), true
	}
	cert, ok := p.Resources.Certificate(certID)
	if !ok {
		credentialMiss.WithLabelValues("certificate").Inc()
		p.Logger.Warn("client certificate not in cache", "cert_id", certID)
		return p.meshTransport(), false
	}
	kp, err := cert.TLSCertificate()
	if err != nil {
		credentialMiss.WithLabelValues("certificate").Inc()
		p.Logger.Error("unusable client certificate", "cert_id", certID, "err", err)
		return p.meshTransport(), false
	}
	t := p.transport([]tls.Certificate{kp})
	p.clients.Set(certID, t, cache.DefaultExpiration)
	return t, true
}

// rule finds the rule for host: by key first, then by the rule hostname.
func (p *Proxy) rule(host string) (Rule, bool) {
	if r, ok := p.Rules[host]; ok {
		return r, true
	}
	for _, r := range p.Rules {
		if r.Hostname == host {
			return r, true
		}
	}
	return Rule{}, false
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// IsMesh reports whether host, with or without port, is under the mesh
// domain.
func (p *Proxy) IsMesh(host string) bool {
	return strings.HasSuffix(stripPort(host), p.MeshDomain)
}

func requestHost(r *http.Request) string {
	if r.Host != "" {
		return r.Host
	}
	return r.URL.Host
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := requestHost(r)
	if p.IsMesh(host) {
		p.serveMesh(w, r, host)
		return
	}
	p.servePassThrough(w, r, host)
}

func (p *Proxy) serveMesh(w http.ResponseWriter, r *http.Request, host string) {
	requestsTotal.WithLabelValues("mesh").Inc()
	target := &url.URL{Scheme: p.Routing.Scheme(), Host: p.Routing.DialAddr()}
	out := httpfwd.CreateUpstreamRequest(r, target)
	out.Host = host

	apikey := false
	rule, _ := p.rule(stripPort(host))
	if rule.ApiKeyID != "" {
		if k, ok := p.Resources.ApiKey(rule.ApiKeyID); ok {
			out.Header.Set(otomesh.HeaderClientID, k.ClientID)
			out.Header.Set(otomesh.HeaderClientSecret, k.ClientSecret)
			apikey = true
		} else {
			credentialMiss.WithLabelValues("apikey").Inc()
			p.Logger.Warn("apikey not in cache", "apikey_id", rule.ApiKeyID, "host", host)
		}
	}
	rt, clientCert := p.clientFor(rule.ClientCertID)

	p.Logger.Info("outbound", "method", r.Method, "host", host, "path", r.URL.Path,
		"routing", target.Host, "apikey", apikey, "client_cert", clientCert)
	p.forward(w, out, rt)
}

func (p *Proxy) servePassThrough(w http.ResponseWriter, r *http.Request, host string) {
	requestsTotal.WithLabelValues("passthrough").Inc()
	target := &url.URL{Scheme: "http", Host: host}
	if r.URL.IsAbs() {
		target.Scheme = r.URL.Scheme
		target.Host = r.URL.Host
	} else if dst, ok := r.Context().Value(origDstKey{}).(*net.TCPAddr); ok {
		target.Host = dst.String()
	}
	out := httpfwd.CreateUpstreamRequest(r, target)
	out.Host = host
	p.Logger.Debug("pass-through", "method", r.Method, "host", host, "dest", target.Host)
	p.forward(w, out, p.PassThrough)
}

func (p *Proxy) forward(w http.ResponseWriter, out *http.Request, rt http.RoundTripper) {
	res, err := httpfwd.RoundTrip(rt, out, p.Timeout)
	if err != nil {
		status := httpfwd.StatusFor(err)
		p.Logger.Warn("outbound request failed", "url", out.URL.String(), "status", status, "err", err)
		http.Error(w, http.StatusText(status), status)
		return
	}
	httpfwd.SendBackResponse(w, res, nil, p.Logger)
}

type origDstKey struct{}

// connContext attaches the original destination of redirected connections.
// Connections that were not redirected report their own local address and
// are left alone.
func (p *Proxy) connContext(ctx context.Context, c net.Conn) context.Context {
	if p.OriginalDst == nil {
		return ctx
	}
	dst, err := p.OriginalDst(c)
	if err != nil || dst.String() == c.LocalAddr().String() {
		return ctx
	}
	return context.WithValue(ctx, origDstKey{}, dst)
}

// Serve accepts on l until ctx is done.
func (p *Proxy) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           p,
		ReadHeaderTimeout: 10 * time.Second,
		ConnContext:       p.connContext,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()
	err := srv.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe binds the loopback interface only.
func (p *Proxy) ListenAndServe(ctx context.Context) error {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(p.Port)))
	if err != nil {
		return err
	}
	p.Logger.Info("outbound proxy listening", "addr", l.Addr().String(), "mesh_domain", p.MeshDomain,
		"routing", p.Routing.HostPort(), "rules", len(p.Rules))
	return p.Serve(ctx, l)
}
