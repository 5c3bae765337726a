// Package meshdns is a small resolver for the sidecar: names under the mesh
// domain resolve to the loopback address, so calls land on the outbound
// proxy; everything else is forwarded to real nameservers.
package meshdns

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/cloud-apim/otomesh"
)

const (
	DefaultPort       = 15053
	DefaultTTL        = 300
	DefaultNameserver = "1.1.1.1:53"
)

type Server struct {
	// Domain is the mesh suffix, with or without leading dot.
	Domain string

	// Addr to listen on, for example "127.0.0.1:15053".
	Addr string

	// Nameservers for direct calls, tried in order.
	Nameservers []string

	// TTL of the synthesized answers, in seconds.
	TTL uint32

	Logger *slog.Logger

	// used for forwarding queries to the real nameservers
	client *dns.Client
	conn   net.PacketConn
}

func New(domain string, port int) *Server {
	if domain == "" {
		domain = otomesh.DefaultMeshDomain
	}
	if port == 0 {
		port = DefaultPort
	}
	return &Server{
		Domain:      domain,
		Addr:        ":" + strconv.Itoa(port),
		Nameservers: []string{DefaultNameserver},
		TTL:         DefaultTTL,
		Logger:      slog.Default().With("component", "dns"),
		client:      &dns.Client{Timeout: 5 * time.Second},
	}
}

// Provision binds the UDP socket.
func (s *Server) Provision(ctx context.Context) error {
	l, err := net.ListenPacket("udp", s.Addr)
	if err != nil {
		return fmt.Errorf("dns listen %s: %w", s.Addr, err)
	}
	s.conn = l
	return nil
}

// LocalAddr is the bound address, valid after Provision.
func (s *Server) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Serve answers queries until ctx is done. Provision must be called first.
func (s *Server) Serve(ctx context.Context) error {
	srv := &dns.Server{
		PacketConn:   s.conn,
		Net:          "udp",
		WriteTimeout: 3 * time.Second,
		ReadTimeout:  15 * time.Minute,
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
			m := s.Do(req)
			if err := w.WriteMsg(m); err != nil {
				s.Logger.Debug("failed to return reply", "id", m.Id, "err", err)
			}
		}),
	}
	go func() {
		<-ctx.Done()
		srv.Shutdown()
	}()
	s.Logger.Info("mesh dns listening", "addr", s.conn.LocalAddr().String(), "domain", s.Domain,
		"nameservers", s.Nameservers)
	err := srv.ActivateAndServe()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// ListenAndServe is Provision followed by Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Provision(ctx); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// IsMesh reports whether the fully qualified name is in the mesh zone.
func (s *Server) IsMesh(name string) bool {
	zone := strings.ToLower(dns.Fqdn(strings.TrimPrefix(s.Domain, ".")))
	name = strings.ToLower(dns.Fqdn(name))
	return name == zone || strings.HasSuffix(name, "."+zone)
}

// Do resolves a query locally or by forwarding it.
func (s *Server) Do(req *dns.Msg) *dns.Msg {
	if len(req.Question) == 0 {
		m := new(dns.Msg)
		m.SetRcode(req, dns.RcodeFormatError)
		return m
	}
	if s.IsMesh(req.Question[0].Name) {
		queriesTotal.WithLabelValues("mesh").Inc()
		return s.localQuery(req)
	}

	queriesTotal.WithLabelValues("forward").Inc()
	res, err := s.ForwardRealDNS(req)
	if err != nil || res == nil {
		s.Logger.Debug("forward failed", "name", req.Question[0].Name, "err", err)
		m := new(dns.Msg)
		m.SetRcode(req, dns.RcodeServerFailure)
		return m
	}
	res.Compress = true
	return res
}

// localQuery answers every question with the loopback address. Types other
// than A and AAAA get an empty, successful answer.
func (s *Server) localQuery(req *dns.Msg) *dns.Msg {
	m := new(dns.Msg)
	m.SetReply(req)
	m.Authoritative = true
	if req.Opcode != dns.OpcodeQuery {
		m.SetRcode(req, dns.RcodeNotImplemented)
		return m
	}
	for _, q := range req.Question {
		hdr := dns.RR_Header{Name: q.Name, Rrtype: q.Qtype, Class: dns.ClassINET, Ttl: s.TTL}
		switch q.Qtype {
		case dns.TypeA:
			m.Answer = append(m.Answer, &dns.A{Hdr: hdr, A: net.IPv4(127, 0, 0, 1)})
		case dns.TypeAAAA:
			m.Answer = append(m.Answer, &dns.AAAA{Hdr: hdr, AAAA: net.IPv6loopback})
		}
	}
	return m
}

// ForwardRealDNS sends the query to the nameservers, moving to the next one
// on network errors or server failures.
func (s *Server) ForwardRealDNS(req *dns.Msg) (*dns.Msg, error) {
	var (
		r   *dns.Msg
		err error
	)
	for _, ns := range s.Nameservers {
		r, _, err = s.client.Exchange(req, ns)
		if err != nil {
			continue
		}
		switch r.Rcode {
		case dns.RcodeSuccess, dns.RcodeNameError, dns.RcodeFormatError,
			dns.RcodeRefused, dns.RcodeNotImplemented:
			return r, nil
		}
	}
	return r, err
}

// Dialer returns a dial function for net.Resolver that ignores the requested
// address and always talks to addr.
func Dialer(addr string) func(ctx context.Context, network, address string) (net.Conn, error) {
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		d := net.Dialer{}
		return d.DialContext(ctx, "udp", addr)
	}
}
