// Package sidecar wires the mesh components from one configuration document:
// the resource cache and its refresh loop, the inbound and outbound proxies,
// the mesh DNS resolver and the metrics endpoint.
package sidecar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/cloud-apim/otomesh/pkg/inbound"
	"github.com/cloud-apim/otomesh/pkg/iptables"
	"github.com/cloud-apim/otomesh/pkg/meshdns"
	"github.com/cloud-apim/otomesh/pkg/outbound"
	"github.com/cloud-apim/otomesh/pkg/resources"
)

type Sidecar struct {
	Config   *Config
	Resolved *Resolved

	Cache    *resources.Cache
	Inbound  *inbound.Proxy
	Outbound *outbound.Proxy
	DNS      *meshdns.Server

	Logger *slog.Logger
}

// New resolves the configuration and builds every component. Nothing is
// started and no network call is made.
func New(cfg *Config) (*Sidecar, error) {
	res, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}
	client := resources.NewClient(res.API, res.Credentials, res.ClientCert)
	if res.RootCAs != nil {
		if t, ok := client.HTTP.Transport.(*http.Transport); ok {
			t.TLSClientConfig.RootCAs = res.RootCAs
		}
	}
	return newWithFetcher(cfg, res, client)
}

func newWithFetcher(cfg *Config, res *Resolved, f resources.Fetcher) (*Sidecar, error) {
	c, err := resources.NewCache(f, cfg.References())
	if err != nil {
		return nil, err
	}
	inCfg, err := cfg.InboundConfig()
	if err != nil {
		return nil, err
	}
	s := &Sidecar{
		Config:   cfg,
		Resolved: res,
		Cache:    c,
		Inbound:  inbound.New(inCfg, c),
		Outbound: outbound.New(cfg.OutboundConfig(res.Routing), c),
		DNS:      cfg.DNSServer(),
		Logger:   slog.Default().With("component", "sidecar"),
	}
	s.Outbound.RootCAs = res.RootCAs
	s.Outbound.OriginalDst = iptables.OriginalDst
	return s, nil
}

// Run starts all components and blocks until ctx is done or one of them
// fails. The first failure stops the others.
func (s *Sidecar) Run(ctx context.Context) error {
	// The DNS socket is bound before any component starts.
	if s.DNS != nil {
		if err := s.DNS.Provision(ctx); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.Cache.Run(ctx)
	})
	if s.DNS != nil {
		g.Go(func() error {
			return s.DNS.Serve(ctx)
		})
	}
	g.Go(func() error {
		return s.Inbound.ListenAndServe(ctx)
	})
	g.Go(func() error {
		return s.Outbound.ListenAndServe(ctx)
	})
	if s.Config.MetricsPort >= 0 {
		g.Go(func() error {
			return s.serveMetrics(ctx)
		})
	}

	s.Logger.Info("sidecar started", "api", s.Resolved.API.HostPort(), "routing", s.Resolved.Routing.HostPort(),
		"dns", s.DNS != nil)
	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Sidecar) serveMetrics(ctx context.Context) error {
	port := s.Config.MetricsPort
	if port == 0 {
		port = DefaultMetricsPort
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(port)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("metrics: %w", err)
}
