package outbound

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cloud-apim/otomesh"
	"github.com/cloud-apim/otomesh/internal/testcerts"
	"github.com/cloud-apim/otomesh/pkg/resources"
)

type fakeResources struct {
	apikeys map[string]*resources.ApiKey
	certs   map[string]*resources.Certificate
}

func (f *fakeResources) ApiKey(id string) (*resources.ApiKey, bool) {
	k, ok := f.apikeys[id]
	return k, ok
}

func (f *fakeResources) Certificate(id string) (*resources.Certificate, bool) {
	c, ok := f.certs[id]
	return c, ok
}

type seen struct {
	host, path, clientID, secret, peer string
}

// routingServer is a TLS server standing in for the gateway. It records the
// last request and the CN of the client certificate, if any.
func routingServer(t *testing.T, ca *testcerts.CA) (*httptest.Server, *seen) {
	chain, key := ca.Issue(t, "routing", "routing.oto.tools")
	kp, err := tls.X509KeyPair([]byte(chain), []byte(key))
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM([]byte(ca.CertPEM))

	s := &seen{}
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.host = r.Host
		s.path = r.URL.RequestURI()
		s.clientID = r.Header.Get("Otoroshi-Client-Id")
		s.secret = r.Header.Get("Otoroshi-Client-Secret")
		s.peer = ""
		if len(r.TLS.PeerCertificates) > 0 {
			s.peer = r.TLS.PeerCertificates[0].Subject.CommonName
		}
		io.WriteString(w, "routed")
	}))
	srv.TLS = &tls.Config{Certificates: []tls.Certificate{kp}, ClientCAs: pool, ClientAuth: tls.VerifyClientCertIfGiven}
	srv.StartTLS()
	t.Cleanup(srv.Close)
	return srv, s
}

func port(t *testing.T, rawURL string) int {
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	_, ps, _ := net.SplitHostPort(u.Host)
	p, _ := strconv.Atoi(ps)
	return p
}

func TestOutboundMesh(t *testing.T) {
	ca := testcerts.NewCA(t)
	srv, s := routingServer(t, ca)
	cliChain, cliKey := ca.Issue(t, "svc-a")

	res := &fakeResources{
		apikeys: map[string]*resources.ApiKey{"key1": {ClientID: "cid", ClientSecret: "csec"}},
		certs: map[string]*resources.Certificate{
			"cert1": {ID: "cert1", Chain: cliChain, PrivateKey: cliKey},
			"bad":   {ID: "bad", Chain: "nope"},
		},
	}
	p := New(Config{
		Rules: map[string]Rule{
			"svc-b.otoroshi.mesh": {ApiKeyID: "key1", ClientCertID: "cert1"},
			"byname":              {Hostname: "svc-c.otoroshi.mesh", ApiKeyID: "missing"},
			"svc-d.otoroshi.mesh": {ClientCertID: "bad"},
		},
		Routing: otomesh.ConnectionTarget{
			Hostname: "routing.oto.tools", IPAddresses: []string{"127.0.0.1"}, Port: port(t, srv.URL), TLS: true,
		},
	}, res)
	p.RootCAs = x509.NewCertPool()
	p.RootCAs.AppendCertsFromPEM([]byte(ca.CertPEM))

	call := func(target string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		p.ServeHTTP(w, httptest.NewRequest("GET", target, nil))
		return w
	}

	t.Run("apikey and client cert", func(t *testing.T) {
		w := call("http://svc-b.otoroshi.mesh:8080/api/v1?x=y")
		require.Equal(t, 200, w.Code)
		require.Equal(t, "routed", w.Body.String())
		require.Equal(t, "svc-b.otoroshi.mesh:8080", s.host)
		require.Equal(t, "/api/v1?x=y", s.path)
		require.Equal(t, "cid", s.clientID)
		require.Equal(t, "csec", s.secret)
		require.Equal(t, "svc-a", s.peer)

		// Second call reuses the cached transport.
		_, ok := p.clients.Get("cert1")
		require.True(t, ok)
		call("http://svc-b.otoroshi.mesh/again")
		require.Equal(t, "svc-a", s.peer)
	})

	t.Run("lookup by hostname, missing apikey", func(t *testing.T) {
		w := call("http://svc-c.otoroshi.mesh/")
		require.Equal(t, 200, w.Code)
		require.Empty(t, s.clientID)
		require.Empty(t, s.secret)
		require.Empty(t, s.peer)
	})

	t.Run("unusable certificate", func(t *testing.T) {
		w := call("http://svc-d.otoroshi.mesh/")
		require.Equal(t, 200, w.Code)
		require.Empty(t, s.peer)
		_, ok := p.clients.Get("bad")
		require.False(t, ok)
	})

	t.Run("no rule", func(t *testing.T) {
		w := call("http://unknown.otoroshi.mesh/")
		require.Equal(t, 200, w.Code)
		require.Equal(t, "unknown.otoroshi.mesh", s.host)
	})
}

func TestOutboundRoutingDown(t *testing.T) {
	p := New(Config{Routing: otomesh.ConnectionTarget{Hostname: "127.0.0.1", Port: 1}}, &fakeResources{})
	w := httptest.NewRecorder()
	p.ServeHTTP(w, httptest.NewRequest("GET", "http://svc.otoroshi.mesh/", nil))
	require.Equal(t, http.StatusBadGateway, w.Code)
}

func TestIsMesh(t *testing.T) {
	p := New(Config{}, &fakeResources{})
	require.True(t, p.IsMesh("a.otoroshi.mesh"))
	require.True(t, p.IsMesh("a.otoroshi.mesh:80"))
	require.False(t, p.IsMesh("a.otoroshi.mesh.evil.com"))
	require.False(t, p.IsMesh("example.com"))

	p = New(Config{MeshDomain: ".svc.local"}, &fakeResources{})
	require.True(t, p.IsMesh("x.svc.local:9000"))
	require.False(t, p.IsMesh("x.otoroshi.mesh"))
}

func TestOutboundPassThrough(t *testing.T) {
	var gotHost string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		w.Header().Set("X-Up", "1")
		io.WriteString(w, "direct "+r.URL.RequestURI())
	}))
	defer up.Close()
	upHost := up.Listener.Addr().String()

	p := New(Config{Routing: otomesh.ConnectionTarget{Hostname: "127.0.0.1", Port: 1}}, &fakeResources{})

	t.Run("absolute form", func(t *testing.T) {
		w := httptest.NewRecorder()
		p.ServeHTTP(w, httptest.NewRequest("GET", "http://"+upHost+"/p?q=1", nil))
		require.Equal(t, 200, w.Code)
		require.Equal(t, "direct /p?q=1", w.Body.String())
		require.Equal(t, "1", w.Header().Get("X-Up"))
		require.Equal(t, upHost, gotHost)
	})

	t.Run("original destination", func(t *testing.T) {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		upAddr := up.Listener.Addr().(*net.TCPAddr)
		p.OriginalDst = func(net.Conn) (*net.TCPAddr, error) { return upAddr, nil }
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go p.Serve(ctx, l)

		req, _ := http.NewRequest("GET", "http://"+l.Addr().String()+"/redirected", nil)
		req.Host = "example.com"
		res, err := (&http.Client{Timeout: 5 * time.Second}).Do(req)
		require.NoError(t, err)
		body, _ := io.ReadAll(res.Body)
		res.Body.Close()
		require.Equal(t, "direct /redirected", string(body))
		require.Equal(t, "example.com", gotHost)
	})
}

func TestOutboundListenLoopback(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	free := l.Addr().(*net.TCPAddr).Port
	l.Close()

	p := New(Config{Port: free}, &fakeResources{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.ListenAndServe(ctx) }()

	require.Eventually(t, func() bool {
		c, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(free))
		if err != nil {
			return false
		}
		c.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
