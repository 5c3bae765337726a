// Package otomesh holds the types shared by the mesh sidecar components:
// resolved endpoints and the credentials used to reach them.
package otomesh

import (
	"math/rand"
	"net"
	"strconv"
	"strings"
)

// Well-known header names exchanged between the gateway, the sidecar and the
// local application.
const (
	HeaderState        = "Otoroshi-State"
	HeaderStateResp    = "Otoroshi-State-Resp"
	HeaderClientID     = "Otoroshi-Client-Id"
	HeaderClientSecret = "Otoroshi-Client-Secret"
)

// DefaultMeshDomain is the suffix identifying mesh hostnames.
const DefaultMeshDomain = ".otoroshi.mesh"

// Kubernetes identifies a service inside the cluster. Used instead of a
// hostname when the sidecar runs in a pod.
type Kubernetes struct {
	Service   string `json:"service,omitempty"`
	Namespace string `json:"namespace,omitempty"`
}

// Host returns the cluster-local DNS name of the service.
func (k *Kubernetes) Host() string {
	svc := k.Service
	if svc == "" {
		svc = "otoroshi"
	}
	ns := k.Namespace
	if ns == "" {
		ns = "otoroshi"
	}
	return svc + "." + ns + ".svc.cluster.local"
}

// ConnectionTarget is a resolved remote endpoint. It is built once from
// configuration and never mutated afterwards.
type ConnectionTarget struct {
	Hostname string `json:"hostname,omitempty"`

	// IPAddresses, when not empty, are dialed instead of resolving Hostname.
	// One is picked at random per request.
	IPAddresses []string `json:"ip_addresses,omitempty"`

	Port int  `json:"port,omitempty"`
	TLS  bool `json:"tls,omitempty"`

	// Kubernetes replaces Hostname and IPAddresses when set.
	Kubernetes *Kubernetes `json:"kubernetes,omitempty"`
}

// Host is the logical host name of the target, used for Host headers and
// TLS server names.
func (t *ConnectionTarget) Host() string {
	if t.Kubernetes != nil {
		return t.Kubernetes.Host()
	}
	return t.Hostname
}

// HostPort returns "host:port" using the logical host name.
func (t *ConnectionTarget) HostPort() string {
	return net.JoinHostPort(t.Host(), strconv.Itoa(t.Port))
}

// DialHost returns the address to connect to: a random configured IP when
// available, the logical host otherwise.
func (t *ConnectionTarget) DialHost() string {
	if t.Kubernetes == nil && len(t.IPAddresses) > 0 {
		return t.IPAddresses[rand.Intn(len(t.IPAddresses))]
	}
	return t.Host()
}

// DialAddr is DialHost joined with the port.
func (t *ConnectionTarget) DialAddr() string {
	return net.JoinHostPort(t.DialHost(), strconv.Itoa(t.Port))
}

func (t *ConnectionTarget) Scheme() string {
	if t.TLS {
		return "https"
	}
	return "http"
}

// URL builds an absolute URL against the dial address. pathAndQuery must
// start with "/".
func (t *ConnectionTarget) URL(pathAndQuery string) string {
	if !strings.HasPrefix(pathAndQuery, "/") {
		pathAndQuery = "/" + pathAndQuery
	}
	return t.Scheme() + "://" + t.DialAddr() + pathAndQuery
}

// Credentials are the client id and secret used with HTTP Basic auth against
// the control plane API.
type Credentials struct {
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
}
