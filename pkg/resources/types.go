// Package resources fetches and caches the control-plane resources the
// sidecar depends on: certificates, routes and API keys.
package resources

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
)

// Kind identifies a resource type in the control-plane API.
type Kind struct {
	Name    string
	Group   string
	Version string
	Plural  string
}

var (
	KindCertificate = Kind{Name: "certificate", Group: "pki.otoroshi.io", Version: "v1", Plural: "certificates"}
	KindRoute       = Kind{Name: "route", Group: "proxy.otoroshi.io", Version: "v1", Plural: "routes"}
	KindApiKey      = Kind{Name: "apikey", Group: "apim.otoroshi.io", Version: "v1", Plural: "apikeys"}
)

// Path returns the API path of the resource with the given id.
func (k Kind) Path(id string) string {
	return "/apis/" + k.Group + "/" + k.Version + "/" + k.Plural + "/" + id
}

// Certificate is a PEM certificate chain and its private key.
type Certificate struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Chain      string `json:"chain"`
	PrivateKey string `json:"privateKey"`
	Subject    string `json:"subject"`
}

var errNoCertificate = errors.New("no certificate found in chain")

// X509Chain parses all CERTIFICATE blocks of the chain, leaf first.
func (c *Certificate) X509Chain() ([]*x509.Certificate, error) {
	var raw [][]byte
	rest := []byte(c.Chain)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			raw = append(raw, block.Bytes)
		}
	}
	if len(raw) == 0 {
		return nil, errNoCertificate
	}
	chain := make([]*x509.Certificate, len(raw))
	for i := range raw {
		cert, err := x509.ParseCertificate(raw[i])
		if err != nil {
			return nil, fmt.Errorf("certificate %s: %w", c.ID, err)
		}
		chain[i] = cert
	}
	return chain, nil
}

// TLSCertificate builds a key pair usable by a TLS client or server. The key
// must match the leaf of the chain.
func (c *Certificate) TLSCertificate() (tls.Certificate, error) {
	if _, err := c.X509Chain(); err != nil {
		return tls.Certificate{}, err
	}
	if n := countKeys(c.PrivateKey); n != 1 {
		return tls.Certificate{}, fmt.Errorf("certificate %s: expected exactly one private key, found %d", c.ID, n)
	}
	kp, err := tls.X509KeyPair([]byte(c.Chain), []byte(c.PrivateKey))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("certificate %s: %w", c.ID, err)
	}
	return kp, nil
}

func countKeys(s string) int {
	n := 0
	rest := []byte(s)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return n
		}
		switch block.Type {
		case "PRIVATE KEY", "RSA PRIVATE KEY", "EC PRIVATE KEY":
			n++
		}
	}
}

// CertPool returns a pool holding every certificate of the chain, for use as
// trusted roots.
func (c *Certificate) CertPool() (*x509.CertPool, error) {
	chain, err := c.X509Chain()
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	for _, cert := range chain {
		pool.AddCert(cert)
	}
	return pool, nil
}

// Plugin is one entry of a route's plugin list. Config is kept raw and decoded
// by the consumer that knows the plugin.
type Plugin struct {
	Plugin  string          `json:"plugin"`
	Enabled *bool           `json:"enabled,omitempty"`
	Config  json.RawMessage `json:"config,omitempty"`
}

type Route struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Plugins []Plugin `json:"plugins"`
}

// Plugin returns the first enabled plugin with the given id.
func (r *Route) Plugin(id string) (*Plugin, bool) {
	for i := range r.Plugins {
		p := &r.Plugins[i]
		if p.Plugin != id {
			continue
		}
		if p.Enabled != nil && !*p.Enabled {
			continue
		}
		return p, true
	}
	return nil, false
}

type ApiKey struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	ClientName   string `json:"clientName,omitempty"`
}
