package challenge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/cloud-apim/otomesh/pkg/httpfwd"
)

const (
	DefaultListenPort     = 8080
	DefaultBackendHost    = "127.0.0.1"
	DefaultBackendPort    = 9000
	DefaultRequestTimeout = 30 * time.Second
)

// ProxyConfig configures the standalone challenge proxy.
type ProxyConfig struct {
	ListenPort  int
	BackendHost string
	BackendPort int

	// Secret shared with the gateway. Required for V2.
	Secret       string
	SecretBase64 bool

	StateHeader     string
	StateRespHeader string

	RequestTimeout time.Duration
	TokenTTL       time.Duration

	Algorithm Algorithm
	Version   Version
}

// DefaultProxyConfig returns the configuration used when no flag is set.
func DefaultProxyConfig() ProxyConfig {
	return ProxyConfig{
		ListenPort:      DefaultListenPort,
		BackendHost:     DefaultBackendHost,
		BackendPort:     DefaultBackendPort,
		StateHeader:     DefaultRequestHeader,
		StateRespHeader: DefaultResponseHeader,
		RequestTimeout:  DefaultRequestTimeout,
		TokenTTL:        DefaultTTL,
		Algorithm:       HS512,
		Version:         V2,
	}
}

// Protocol validates the configuration and builds the codec. The same secret
// and algorithm are used in both directions.
func (c *ProxyConfig) Protocol() (*Protocol, error) {
	if strings.TrimSpace(c.BackendHost) == "" {
		return nil, fmt.Errorf("invalid backend host %q", c.BackendHost)
	}
	if c.ListenPort <= 0 || c.BackendPort <= 0 {
		return nil, errors.New("port must be greater than 0")
	}
	if c.TokenTTL <= 0 {
		return nil, fmt.Errorf("token TTL must be greater than 0, got %v", c.TokenTTL)
	}
	var secret []byte
	if c.Secret != "" {
		secret = []byte(c.Secret)
		if c.SecretBase64 {
			s, err := base64.StdEncoding.DecodeString(c.Secret)
			if err != nil {
				return nil, fmt.Errorf("invalid base64 encoding for secret: %w", err)
			}
			secret = s
		}
	}
	if c.Version == V2 && len(secret) == 0 {
		return nil, errors.New("a secret is required for the V2 protocol")
	}
	return New(Config{
		Version:        c.Version,
		SecretIn:       secret,
		AlgIn:          c.Algorithm,
		SecretOut:      secret,
		AlgOut:         c.Algorithm,
		RequestHeader:  c.StateHeader,
		ResponseHeader: c.StateRespHeader,
		TTL:            c.TokenTTL,
	}), nil
}

// Proxy sits in front of a backend that does not implement the handshake.
// Unlike the sidecar it fails closed: requests without a valid challenge never
// reach the backend.
type Proxy struct {
	Protocol *Protocol
	Backend  *url.URL
	Timeout  time.Duration

	Transport http.RoundTripper
	Logger    *slog.Logger
}

// NewProxy validates cfg and returns a ready handler.
func NewProxy(cfg ProxyConfig) (*Proxy, error) {
	p, err := cfg.Protocol()
	if err != nil {
		return nil, err
	}
	backend := &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(cfg.BackendHost, strconv.Itoa(cfg.BackendPort)),
	}
	return &Proxy{
		Protocol:  p,
		Backend:   backend,
		Timeout:   cfg.RequestTimeout,
		Transport: cleanhttp.DefaultPooledTransport(),
		Logger:    slog.Default().With("component", "challenge-proxy"),
	}, nil
}

type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSONError(w http.ResponseWriter, status int, msg, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Error: msg, Details: details})
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := &p.Protocol.Config
	state := r.Header.Get(cfg.RequestHeaderName())
	if state == "" {
		writeJSONError(w, http.StatusUnauthorized, "Missing Otoroshi-State header", "")
		return
	}
	resp, err := p.Protocol.Process(state)
	if err != nil {
		p.Logger.Info("rejected challenge", "remote", r.RemoteAddr, "path", r.URL.Path, "err", err)
		if errors.Is(err, ErrSigningFailed) {
			writeJSONError(w, http.StatusInternalServerError, "Failed to sign challenge response", "")
			return
		}
		writeJSONError(w, http.StatusUnauthorized, "Invalid Otoroshi challenge", "")
		return
	}

	out := httpfwd.CreateUpstreamRequest(r, p.Backend)
	res, err := httpfwd.RoundTrip(p.Transport, out, p.Timeout)
	if err != nil {
		status := httpfwd.StatusFor(err)
		p.Logger.Warn("backend request failed", "backend", p.Backend.Host, "status", status, "err", err)
		if status == http.StatusGatewayTimeout {
			writeJSONError(w, status, "Backend request timed out", "")
		} else {
			writeJSONError(w, status, "Backend unavailable", err.Error())
		}
		return
	}
	httpfwd.SendBackResponse(w, res, http.Header{
		http.CanonicalHeaderKey(cfg.ResponseHeaderName()): {resp},
	}, p.Logger)
}

// ListenAndServe serves on ":port" until ctx is done.
func (p *Proxy) ListenAndServe(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           p,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()
	p.Logger.Info("challenge proxy listening", "addr", srv.Addr, "backend", p.Backend.String(),
		"version", p.Protocol.Config.Version.String())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
