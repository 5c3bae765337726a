// Package inbound terminates mesh traffic addressed to the local service.
//
// Requests are accepted over TLS (optionally mutual TLS), get the challenge
// response header injected and are forwarded to the local backend over
// HTTP/1.1 or cleartext HTTP/2.
package inbound

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/net/http2"

	"github.com/cloud-apim/otomesh/pkg/challenge"
	"github.com/cloud-apim/otomesh/pkg/httpfwd"
	"github.com/cloud-apim/otomesh/pkg/resources"
)

const (
	DefaultPort       = 15000
	DefaultTargetHost = "127.0.0.1"
	DefaultTargetPort = 8080
	DefaultTimeout    = 30 * time.Second

	// Version selecting cleartext HTTP/2 to the backend.
	VersionH2 = "h2"
)

// Resources is the subset of the resource cache used by the proxy.
type Resources interface {
	Route(id string) (*resources.Route, bool)
	WaitCertificate(ctx context.Context, id string, attempts int) (*resources.Certificate, error)
}

// Challenge selects where the handshake configuration comes from. When
// RouteID is set the route's challenge plugin wins over Static.
type Challenge struct {
	Enabled bool
	RouteID string
	Static  challenge.Config
}

type Config struct {
	Port int

	TargetHost     string
	TargetPort     int
	TargetHostname string
	TargetVersion  string

	// Timeout bounds the wait for the backend response headers.
	Timeout time.Duration

	TLS      bool
	CertID   string
	MTLS     bool
	CACertID string

	// WaitAttempts for the certificates at startup.
	WaitAttempts int

	Challenge Challenge
}

type Proxy struct {
	Config
	Resources Resources

	Transport http.RoundTripper
	Logger    *slog.Logger

	target *url.URL
	static *challenge.Protocol
	now    func() time.Time
}

func New(cfg Config, res Resources) *Proxy {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.TargetHost == "" {
		cfg.TargetHost = DefaultTargetHost
	}
	if cfg.TargetPort == 0 {
		cfg.TargetPort = DefaultTargetPort
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	p := &Proxy{
		Config:    cfg,
		Resources: res,
		Logger:    slog.Default().With("component", "inbound"),
		target: &url.URL{
			Scheme: "http",
			Host:   net.JoinHostPort(cfg.TargetHost, strconv.Itoa(cfg.TargetPort)),
		},
		static: challenge.New(cfg.Challenge.Static),
		now:    time.Now,
	}
	p.Transport = backendTransport(cfg.TargetVersion)
	return p
}

func backendTransport(version string) http.RoundTripper {
	if version == VersionH2 {
		return &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		}
	}
	return cleanhttp.DefaultPooledTransport()
}

// protocol resolves the handshake configuration for the current request.
// A nil result means no response header is added.
func (p *Proxy) protocol() *challenge.Protocol {
	ch := &p.Challenge
	if !ch.Enabled {
		return nil
	}
	if ch.RouteID == "" {
		return p.static
	}
	route, ok := p.Resources.Route(ch.RouteID)
	if !ok {
		p.Logger.Error("challenge route not in cache", "route", ch.RouteID)
		return nil
	}
	plugin, ok := route.Plugin(challenge.PluginID)
	if !ok {
		p.Logger.Error("route has no challenge plugin", "route", ch.RouteID)
		return nil
	}
	pc, err := challenge.ParsePluginConfig(plugin.Config)
	if err != nil {
		p.Logger.Error("invalid challenge plugin config", "route", ch.RouteID, "err", err)
		return nil
	}
	cfg, err := pc.Config()
	if err != nil {
		p.Logger.Error("invalid challenge plugin config", "route", ch.RouteID, "err", err)
		return nil
	}
	return &challenge.Protocol{Config: cfg, Now: p.now}
}

// responseHeader computes the header to add to the forwarded request. A
// failed verification is logged and the request still goes through, only
// without the header.
func (p *Proxy) responseHeader(r *http.Request) (name, value, result string) {
	proto := p.protocol()
	if proto == nil {
		return "", "", "disabled"
	}
	state := r.Header.Get(proto.Config.RequestHeaderName())
	if state == "" {
		return "", "", "absent"
	}
	v, err := proto.Process(state)
	if err != nil {
		p.Logger.Warn("challenge failed, forwarding without response", "remote", r.RemoteAddr,
			"path", r.URL.Path, "version", proto.Config.Version.String(), "err", err)
		return "", "", "failed"
	}
	return proto.Config.ResponseHeaderName(), v, "ok"
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name, value, result := p.responseHeader(r)
	requestsTotal.WithLabelValues(result).Inc()

	out := httpfwd.CreateUpstreamRequest(r, p.target)
	if p.TargetHostname != "" {
		out.Host = p.TargetHostname
	}
	if name != "" {
		out.Header.Set(name, value)
	}

	p.Logger.Info("inbound", "method", r.Method, "host", out.Host, "path", r.URL.Path, "challenge", result)

	res, err := httpfwd.RoundTrip(p.Transport, out, p.Timeout)
	if err != nil {
		status := httpfwd.StatusFor(err)
		p.Logger.Warn("backend request failed", "target", p.target.Host, "status", status, "err", err)
		http.Error(w, http.StatusText(status), status)
		return
	}
	httpfwd.SendBackResponse(w, res, nil, p.Logger)
}

// TLSConfig waits for the serving certificate, and the CA when mutual TLS is
// enabled, and builds the server configuration. Returns nil when TLS is off.
func (p *Proxy) TLSConfig(ctx context.Context) (*tls.Config, error) {
	if !p.TLS {
		return nil, nil
	}
	cert, err := p.Resources.WaitCertificate(ctx, p.CertID, p.WaitAttempts)
	if err != nil {
		return nil, fmt.Errorf("inbound certificate: %w", err)
	}
	kp, err := cert.TLSCertificate()
	if err != nil {
		return nil, fmt.Errorf("inbound certificate: %w", err)
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		MaxVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{kp},
		NextProtos:   []string{"h2", "http/1.1"},
	}
	if p.MTLS {
		ca, err := p.Resources.WaitCertificate(ctx, p.CACertID, p.WaitAttempts)
		if err != nil {
			return nil, fmt.Errorf("inbound CA certificate: %w", err)
		}
		pool, err := ca.CertPool()
		if err != nil {
			return nil, fmt.Errorf("inbound CA certificate: %w", err)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

// Serve accepts on l until ctx is done. tlsConfig nil means plain HTTP.
func (p *Proxy) Serve(ctx context.Context, l net.Listener, tlsConfig *tls.Config) error {
	srv := &http.Server{
		Handler:           p,
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig:         tlsConfig,
	}
	if tlsConfig != nil {
		if err := http2.ConfigureServer(srv, &http2.Server{}); err != nil {
			return err
		}
		l = tls.NewListener(l, srv.TLSConfig)
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

// ListenAndServe waits for the certificates, then binds the port. Nothing is
// bound when the certificates never show up.
func (p *Proxy) ListenAndServe(ctx context.Context) error {
	tlsConfig, err := p.TLSConfig(ctx)
	if err != nil {
		return err
	}
	l, err := net.Listen("tcp", ":"+strconv.Itoa(p.Port))
	if err != nil {
		return err
	}
	p.Logger.Info("inbound proxy listening", "addr", l.Addr().String(), "tls", p.TLS, "mtls", p.MTLS,
		"target", p.target.Host, "target_version", p.TargetVersion)
	return p.Serve(ctx, l, tlsConfig)
}
