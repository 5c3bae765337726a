package sidecar

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"sigs.k8s.io/yaml"

	"github.com/cloud-apim/otomesh"
	"github.com/cloud-apim/otomesh/pkg/challenge"
	"github.com/cloud-apim/otomesh/pkg/inbound"
	"github.com/cloud-apim/otomesh/pkg/meshdns"
	"github.com/cloud-apim/otomesh/pkg/outbound"
	"github.com/cloud-apim/otomesh/pkg/resources"
)

const (
	APIVersion = "proxy.otoroshi.io/v1"
	Kind       = "Sidecar"

	DefaultAPIHost      = "otoroshi-api.oto.tools"
	DefaultRoutingHost  = "otoroshi.oto.tools"
	DefaultOtoroshiPort = 9999
	DefaultMetricsPort  = 15090
)

// Document is the sidecar configuration file, in the usual resource shape.
type Document struct {
	APIVersion string            `json:"apiVersion"`
	Kind       string            `json:"kind"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Spec       Config            `json:"spec"`
}

type Config struct {
	// Kubernetes selects the in-cluster service of each location instead of
	// its hostname.
	Kubernetes bool `json:"kubernetes,omitempty"`

	DNSIntegration bool   `json:"dns_integration,omitempty"`
	DNSPort        int    `json:"dns_port,omitempty"`
	DNSNameserver  string `json:"dns_ns,omitempty"`
	DNSDomain      string `json:"dns_domain,omitempty"`
	DNSTTL         uint32 `json:"dns_ttl,omitempty"`

	// MetricsPort exposes /metrics. Negative disables it.
	MetricsPort int `json:"metrics_port,omitempty"`

	Otoroshi  OtoroshiConfig  `json:"otoroshi"`
	Inbound   InboundConfig   `json:"inbound"`
	Outbounds OutboundsConfig `json:"outbounds"`
}

type OtoroshiConfig struct {
	Location        *otomesh.ConnectionTarget `json:"location,omitempty"`
	RoutingLocation *otomesh.ConnectionTarget `json:"routing_location,omitempty"`
	Credentials     *otomesh.Credentials      `json:"credentials,omitempty"`
	ClientCert      *ClientCert               `json:"client_cert,omitempty"`
}

// ClientCert is the identity presented to the control plane and the routing
// endpoint. Each part is either inline PEM or a file.
type ClientCert struct {
	CertLocation string `json:"cert_location,omitempty"`
	CertValue    string `json:"cert_value,omitempty"`
	KeyLocation  string `json:"key_location,omitempty"`
	KeyValue     string `json:"key_value,omitempty"`
	CALocation   string `json:"ca_location,omitempty"`
	CAValue      string `json:"ca_value,omitempty"`
}

type TLSConfig struct {
	Enabled bool   `json:"enabled"`
	CertID  string `json:"cert_id,omitempty"`
}

type MTLSConfig struct {
	Enabled  bool   `json:"enabled"`
	CACertID string `json:"ca_cert_id,omitempty"`
}

type ProtocolConfig struct {
	Enabled       bool   `json:"enabled"`
	Version       string `json:"version,omitempty"`
	RouteID       string `json:"route_id,omitempty"`
	SecretIn      string `json:"secret_in,omitempty"`
	SecretOut     string `json:"secret_out,omitempty"`
	AlgoIn        string `json:"algo_in,omitempty"`
	AlgoOut       string `json:"algo_out,omitempty"`
	HeaderInName  string `json:"header_in_name,omitempty"`
	HeaderOutName string `json:"header_out_name,omitempty"`
	TTL           int    `json:"ttl,omitempty"`
}

type InboundConfig struct {
	Port           int    `json:"port,omitempty"`
	TargetHost     string `json:"target_host,omitempty"`
	TargetPort     int    `json:"target_port,omitempty"`
	TargetHostname string `json:"target_hostname,omitempty"`
	TargetVersion  string `json:"target_version,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`

	TLS              *TLSConfig      `json:"tls,omitempty"`
	MTLS             *MTLSConfig     `json:"mtls,omitempty"`
	OtoroshiProtocol *ProtocolConfig `json:"otoroshi_protocol,omitempty"`
}

type ApiKeyRef struct {
	Enabled  bool   `json:"enabled"`
	ApiKeyID string `json:"apikey_id,omitempty"`
}

type ClientCertRef struct {
	Enabled      bool   `json:"enabled"`
	ClientCertID string `json:"client_cert_id,omitempty"`
}

type Outbound struct {
	Hostname string         `json:"hostname,omitempty"`
	Path     string         `json:"path,omitempty"`
	ApiKey   *ApiKeyRef     `json:"apikey,omitempty"`
	MTLS     *ClientCertRef `json:"mtls,omitempty"`
}

// OutboundsConfig is a flat object: the reserved keys configure the proxy,
// every other key is a mesh hostname.
type OutboundsConfig struct {
	Port           int
	TimeoutSeconds int
	Outbounds      map[string]Outbound
}

func (o *OutboundsConfig) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	o.Outbounds = map[string]Outbound{}
	for k, v := range raw {
		var err error
		switch k {
		case "port":
			err = json.Unmarshal(v, &o.Port)
		case "timeout_seconds":
			err = json.Unmarshal(v, &o.TimeoutSeconds)
		default:
			var ob Outbound
			err = json.Unmarshal(v, &ob)
			o.Outbounds[k] = ob
		}
		if err != nil {
			return fmt.Errorf("outbounds.%s: %w", k, err)
		}
	}
	return nil
}

func (o OutboundsConfig) MarshalJSON() ([]byte, error) {
	m := map[string]interface{}{}
	for k, v := range o.Outbounds {
		m[k] = v
	}
	if o.Port != 0 {
		m["port"] = o.Port
	}
	if o.TimeoutSeconds != 0 {
		m["timeout_seconds"] = o.TimeoutSeconds
	}
	return json.Marshal(m)
}

// Load reads the document from a file or an http(s) URL. Environment
// variables in the content are expanded before decoding.
func Load(ctx context.Context, location string) (*Document, error) {
	var (
		b   []byte
		err error
	)
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		b, err = fetch(ctx, location)
	} else {
		b, err = os.ReadFile(location)
	}
	if err != nil {
		return nil, fmt.Errorf("reading sidecar config %s: %w", location, err)
	}
	return Parse(b)
}

func fetch(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	res, err := cleanhttp.DefaultClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", res.StatusCode)
	}
	return io.ReadAll(res.Body)
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${NAME} with the value of a set environment variable.
// Any other text, including a bare $ or a reference to an unset variable, is
// kept as is so secrets and PEM blocks survive.
func expandEnv(b []byte) []byte {
	return envRef.ReplaceAllFunc(b, func(m []byte) []byte {
		if v, ok := os.LookupEnv(string(m[2 : len(m)-1])); ok {
			return []byte(v)
		}
		return m
	})
}

// Parse decodes a YAML or JSON document. ${NAME} references to set
// environment variables are expanded first.
func Parse(b []byte) (*Document, error) {
	doc := &Document{}
	if err := yaml.Unmarshal(expandEnv(b), doc); err != nil {
		return nil, fmt.Errorf("decoding sidecar config: %w", err)
	}
	if doc.Kind != "" && doc.Kind != Kind {
		return nil, fmt.Errorf("unexpected kind %q", doc.Kind)
	}
	return doc, nil
}

// Template is a starting point for new configurations.
func Template() *Document {
	return &Document{
		APIVersion: APIVersion,
		Kind:       Kind,
		Metadata:   map[string]string{"name": "default-sidecar"},
		Spec: Config{
			DNSIntegration: true,
			DNSDomain:      otomesh.DefaultMeshDomain,
			DNSPort:        meshdns.DefaultPort,
			DNSTTL:         meshdns.DefaultTTL,
			Otoroshi: OtoroshiConfig{
				Location:        &otomesh.ConnectionTarget{Hostname: DefaultAPIHost, Port: 443, TLS: true},
				RoutingLocation: &otomesh.ConnectionTarget{Hostname: "otoroshi-routing.oto.tools", Port: 443, TLS: true},
				Credentials:     &otomesh.Credentials{ClientID: "${OTOROSHI_CLIENT_ID}", ClientSecret: "${OTOROSHI_CLIENT_SECRET}"},
			},
			Inbound: InboundConfig{
				Port:       inbound.DefaultPort,
				TargetPort: inbound.DefaultTargetPort,
				TLS:        &TLSConfig{Enabled: true, CertID: "a_cert_id"},
				MTLS:       &MTLSConfig{Enabled: true, CACertID: "a_ca_cert_id"},
				OtoroshiProtocol: &ProtocolConfig{
					Enabled:   true,
					Version:   "V2",
					SecretIn:  "${CHALLENGE_SECRET}",
					SecretOut: "${CHALLENGE_SECRET}",
					AlgoIn:    "HS512",
					AlgoOut:   "HS512",
				},
			},
			Outbounds: OutboundsConfig{
				Port: outbound.DefaultPort,
				Outbounds: map[string]Outbound{
					"a.otoroshi.mesh": {
						Hostname: "a.otoroshi.mesh",
						Path:     "/",
						ApiKey:   &ApiKeyRef{Enabled: true, ApiKeyID: "an_apikey_id"},
						MTLS:     &ClientCertRef{Enabled: true, ClientCertID: "a_cert_id"},
					},
				},
			},
		},
	}
}

// Resolved holds everything derived from the configuration that does not
// change while the sidecar runs.
type Resolved struct {
	API         otomesh.ConnectionTarget
	Routing     otomesh.ConnectionTarget
	Credentials otomesh.Credentials

	// ClientCert is presented to the control plane. May be nil.
	ClientCert *tls.Certificate
	// RootCAs trusts the configured CA in addition to the system roots.
	// nil when no CA is configured.
	RootCAs *x509.CertPool
}

func location(l *otomesh.ConnectionTarget, host string, k8s bool) otomesh.ConnectionTarget {
	t := otomesh.ConnectionTarget{Hostname: host, Port: DefaultOtoroshiPort}
	if l != nil {
		t = *l
		t.IPAddresses = append([]string(nil), l.IPAddresses...)
	}
	if t.Hostname == "" {
		t.Hostname = host
	}
	if t.Port == 0 {
		t.Port = DefaultOtoroshiPort
	}
	switch {
	case !k8s:
		t.Kubernetes = nil
	case t.Kubernetes == nil:
		t.Kubernetes = &otomesh.Kubernetes{}
	default:
		k := *t.Kubernetes
		t.Kubernetes = &k
	}
	return t
}

func pemPart(value, loc, what string) ([]byte, error) {
	if value != "" {
		return []byte(value), nil
	}
	if loc == "" {
		return nil, nil
	}
	b, err := os.ReadFile(loc)
	if err != nil {
		return nil, fmt.Errorf("client_cert %s: %w", what, err)
	}
	return b, nil
}

// Resolve builds the immutable connection settings.
func (c *Config) Resolve() (*Resolved, error) {
	r := &Resolved{
		API:     location(c.Otoroshi.Location, DefaultAPIHost, c.Kubernetes),
		Routing: location(c.Otoroshi.RoutingLocation, DefaultRoutingHost, c.Kubernetes),
	}
	if c.Otoroshi.Credentials != nil {
		r.Credentials = *c.Otoroshi.Credentials
	}
	if r.Credentials.ClientID == "" || r.Credentials.ClientSecret == "" {
		return nil, errors.New("otoroshi.credentials: client_id and client_secret are required")
	}

	cc := c.Otoroshi.ClientCert
	if cc == nil {
		return r, nil
	}
	certPEM, err := pemPart(cc.CertValue, cc.CertLocation, "cert")
	if err != nil {
		return nil, err
	}
	keyPEM, err := pemPart(cc.KeyValue, cc.KeyLocation, "key")
	if err != nil {
		return nil, err
	}
	if certPEM != nil || keyPEM != nil {
		kp, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, fmt.Errorf("client_cert: %w", err)
		}
		r.ClientCert = &kp
	}
	caPEM, err := pemPart(cc.CAValue, cc.CALocation, "ca")
	if err != nil {
		return nil, err
	}
	if caPEM != nil {
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, errors.New("client_cert: no certificate in ca")
		}
		r.RootCAs = pool
	}
	return r, nil
}

// References lists the resources the refresh loop keeps warm.
func (c *Config) References() resources.References {
	var refs resources.References
	in := &c.Inbound
	if in.TLS != nil && in.TLS.Enabled && in.TLS.CertID != "" {
		refs.Certificates = append(refs.Certificates, in.TLS.CertID)
	}
	if in.MTLS != nil && in.MTLS.Enabled && in.MTLS.CACertID != "" {
		refs.Certificates = append(refs.Certificates, in.MTLS.CACertID)
	}
	if p := in.OtoroshiProtocol; p != nil && p.Enabled && p.RouteID != "" {
		refs.Routes = append(refs.Routes, p.RouteID)
	}

	hosts := make([]string, 0, len(c.Outbounds.Outbounds))
	for h := range c.Outbounds.Outbounds {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	for _, h := range hosts {
		ob := c.Outbounds.Outbounds[h]
		if ob.ApiKey != nil && ob.ApiKey.Enabled && ob.ApiKey.ApiKeyID != "" {
			refs.ApiKeys = appendUnique(refs.ApiKeys, ob.ApiKey.ApiKeyID)
		}
		if ob.MTLS != nil && ob.MTLS.Enabled && ob.MTLS.ClientCertID != "" {
			refs.Certificates = appendUnique(refs.Certificates, ob.MTLS.ClientCertID)
		}
	}
	return refs
}

func appendUnique(s []string, v string) []string {
	for _, e := range s {
		if e == v {
			return s
		}
	}
	return append(s, v)
}

// InboundConfig translates the inbound section.
func (c *Config) InboundConfig() (inbound.Config, error) {
	in := &c.Inbound
	cfg := inbound.Config{
		Port:           in.Port,
		TargetHost:     in.TargetHost,
		TargetPort:     in.TargetPort,
		TargetHostname: in.TargetHostname,
		TargetVersion:  in.TargetVersion,
		Timeout:        time.Duration(in.TimeoutSeconds) * time.Second,
	}
	if in.TLS != nil && in.TLS.Enabled {
		cfg.TLS = true
		cfg.CertID = in.TLS.CertID
		if cfg.CertID == "" {
			return cfg, errors.New("inbound.tls.cert_id is required when tls is enabled")
		}
	}
	if in.MTLS != nil && in.MTLS.Enabled {
		if !cfg.TLS {
			return cfg, errors.New("inbound.mtls requires inbound.tls")
		}
		cfg.MTLS = true
		cfg.CACertID = in.MTLS.CACertID
		if cfg.CACertID == "" {
			return cfg, errors.New("inbound.mtls.ca_cert_id is required when mtls is enabled")
		}
	}

	p := in.OtoroshiProtocol
	if p == nil || !p.Enabled {
		return cfg, nil
	}
	cfg.Challenge = inbound.Challenge{
		Enabled: true,
		RouteID: p.RouteID,
		Static: challenge.Config{
			Version:        challenge.ParseVersion(p.Version),
			SecretIn:       []byte(p.SecretIn),
			AlgIn:          challenge.ParseAlgorithm(p.AlgoIn),
			SecretOut:      []byte(p.SecretOut),
			AlgOut:         challenge.ParseAlgorithm(p.AlgoOut),
			RequestHeader:  p.HeaderInName,
			ResponseHeader: p.HeaderOutName,
			TTL:            time.Duration(p.TTL) * time.Second,
		},
	}
	st := &cfg.Challenge.Static
	if p.RouteID == "" && st.Version == challenge.V2 {
		if p.SecretIn == "" {
			return cfg, errors.New("inbound.otoroshi_protocol.secret_in is required for V2")
		}
		if p.SecretOut == "" {
			st.SecretOut = st.SecretIn
		}
	}
	return cfg, nil
}

// OutboundConfig translates the outbounds section. Rules are keyed by the
// configured mesh hostname.
func (c *Config) OutboundConfig(routing otomesh.ConnectionTarget) outbound.Config {
	cfg := outbound.Config{
		Port:       c.Outbounds.Port,
		MeshDomain: c.DNSDomain,
		Rules:      map[string]outbound.Rule{},
		Routing:    routing,
		Timeout:    time.Duration(c.Outbounds.TimeoutSeconds) * time.Second,
	}
	for host, ob := range c.Outbounds.Outbounds {
		r := outbound.Rule{Hostname: ob.Hostname}
		if ob.ApiKey != nil && ob.ApiKey.Enabled {
			r.ApiKeyID = ob.ApiKey.ApiKeyID
		}
		if ob.MTLS != nil && ob.MTLS.Enabled {
			r.ClientCertID = ob.MTLS.ClientCertID
		}
		cfg.Rules[host] = r
	}
	return cfg
}

// DNSServer builds the mesh resolver, nil when DNS integration is off.
func (c *Config) DNSServer() *meshdns.Server {
	if !c.DNSIntegration {
		return nil
	}
	s := meshdns.New(c.DNSDomain, c.DNSPort)
	if c.DNSNameserver != "" {
		s.Nameservers = strings.Split(c.DNSNameserver, ",")
	}
	if c.DNSTTL != 0 {
		s.TTL = c.DNSTTL
	}
	return s
}
