package resources

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/cloud-apim/otomesh"
	"github.com/cloud-apim/otomesh/internal/testcerts"
)

// fakeFetcher serves resources from maps and counts calls.
type fakeFetcher struct {
	mu      sync.Mutex
	certs   map[string]*Certificate
	routes  map[string]*Route
	apikeys map[string]*ApiKey
	calls   atomic.Int32
}

var errMissing = errors.New("not found")

func (f *fakeFetcher) Certificate(ctx context.Context, id string) (*Certificate, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.certs[id]; ok {
		c := *v
		return &c, nil
	}
	return nil, errMissing
}

func (f *fakeFetcher) Route(ctx context.Context, id string) (*Route, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.routes[id]; ok {
		return v, nil
	}
	return nil, errMissing
}

func (f *fakeFetcher) ApiKey(ctx context.Context, id string) (*ApiKey, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.apikeys[id]; ok {
		return v, nil
	}
	return nil, errMissing
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T, f *fakeFetcher) (*Cache, *clock) {
	c, err := NewCache(f, References{})
	require.NoError(t, err)
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	c.Now = clk.now
	c.PollInterval = 5 * time.Millisecond
	return c, clk
}

func TestCacheTTL(t *testing.T) {
	f := &fakeFetcher{apikeys: map[string]*ApiKey{"k1": {ClientID: "id1", ClientSecret: "s1"}}}
	c, clk := newTestCache(t, f)
	ctx := context.Background()

	_, ok := c.ApiKey("k1")
	require.False(t, ok, "get never fetches")
	require.Zero(t, f.calls.Load())

	k, ok := c.FetchApiKey(ctx, "k1")
	require.True(t, ok)
	require.Equal(t, "id1", k.ClientID)
	require.EqualValues(t, 1, f.calls.Load())

	// Hit, no second call.
	_, ok = c.FetchApiKey(ctx, "k1")
	require.True(t, ok)
	require.EqualValues(t, 1, f.calls.Load())

	clk.advance(119 * time.Second)
	_, ok = c.ApiKey("k1")
	require.True(t, ok)

	clk.advance(2 * time.Second)
	_, ok = c.ApiKey("k1")
	require.False(t, ok, "expired after 120s")

	_, ok = c.FetchApiKey(ctx, "missing")
	require.False(t, ok)
}

func TestCacheReloadOverwrites(t *testing.T) {
	f := &fakeFetcher{routes: map[string]*Route{"r1": {ID: "r1", Name: "first"}}}
	c, _ := newTestCache(t, f)
	ctx := context.Background()

	require.NoError(t, c.ReloadRoute(ctx, "r1"))
	r, _ := c.Route("r1")
	require.Equal(t, "first", r.Name)

	f.mu.Lock()
	f.routes["r1"] = &Route{ID: "r1", Name: "second"}
	f.mu.Unlock()

	require.NoError(t, c.ReloadRoute(ctx, "r1"))
	r, _ = c.Route("r1")
	require.Equal(t, "second", r.Name)

	// A failed reload keeps the old value.
	require.Error(t, c.ReloadRoute(ctx, "gone"))
	require.Error(t, c.ReloadRoute(ctx, ""))
}

func TestCacheCapacity(t *testing.T) {
	f := &fakeFetcher{routes: map[string]*Route{}}
	for i := 0; i < RouteCapacity+10; i++ {
		id := "r" + strconv.Itoa(i)
		f.routes[id] = &Route{ID: id}
	}
	c, _ := newTestCache(t, f)
	for i := 0; i < RouteCapacity+10; i++ {
		require.NoError(t, c.ReloadRoute(context.Background(), "r"+strconv.Itoa(i)))
	}
	_, ok := c.Route("r0")
	require.False(t, ok, "oldest evicted")
	_, ok = c.Route("r" + strconv.Itoa(RouteCapacity+9))
	require.True(t, ok)
}

func TestCacheWait(t *testing.T) {
	t.Run("exhausted", func(t *testing.T) {
		c, _ := newTestCache(t, &fakeFetcher{})
		start := time.Now()
		_, err := c.WaitCertificate(context.Background(), "never", 3)
		require.ErrorIs(t, err, ErrNotAvailable)
		require.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	})

	t.Run("populated concurrently", func(t *testing.T) {
		f := &fakeFetcher{certs: map[string]*Certificate{"c1": {ID: "c1"}}}
		c, _ := newTestCache(t, f)
		go func() {
			time.Sleep(20 * time.Millisecond)
			c.ReloadCertificate(context.Background(), "c1")
		}()
		cert, err := c.WaitCertificate(context.Background(), "c1", 100)
		require.NoError(t, err)
		require.Equal(t, "c1", cert.ID)
	})

	t.Run("canceled", func(t *testing.T) {
		c, _ := newTestCache(t, &fakeFetcher{})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := c.WaitApiKey(ctx, "k", 100)
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestCacheRefreshAll(t *testing.T) {
	f := &fakeFetcher{
		certs:   map[string]*Certificate{"c1": {ID: "c1"}, "ca": {ID: "ca"}},
		routes:  map[string]*Route{"r1": {ID: "r1"}},
		apikeys: map[string]*ApiKey{"k1": {ClientID: "a"}},
	}
	c, _ := newTestCache(t, f)
	c.Refs = References{
		Certificates: []string{"c1", "ca", "missing"},
		Routes:       []string{"r1"},
		ApiKeys:      []string{"k1", ""},
	}
	before := testutil.ToFloat64(fetchTotal.WithLabelValues("certificate", "error"))
	require.Equal(t, 1, c.RefreshAll(context.Background()))
	require.Equal(t, before+1, testutil.ToFloat64(fetchTotal.WithLabelValues("certificate", "error")))

	for _, id := range []string{"c1", "ca"} {
		_, ok := c.Certificate(id)
		require.True(t, ok, id)
	}
	_, ok := c.Route("r1")
	require.True(t, ok)
	_, ok = c.ApiKey("k1")
	require.True(t, ok)
}

func TestCacheRun(t *testing.T) {
	f := &fakeFetcher{apikeys: map[string]*ApiKey{"k1": {ClientID: "a"}}}
	c, _ := newTestCache(t, f)
	c.Refs = References{ApiKeys: []string{"k1"}}
	c.RefreshInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return f.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestClient(t *testing.T) {
	ca := testcerts.NewCA(t)
	chain, key := ca.Issue(t, "svc", "svc.otoroshi.mesh")

	var gotHost, gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		switch r.URL.Path {
		case "/apis/pki.otoroshi.io/v1/certificates/cert1":
			json.NewEncoder(w).Encode(map[string]string{"id": "cert1", "name": "svc", "chain": chain, "privateKey": key, "subject": "CN=svc"})
		case "/apis/proxy.otoroshi.io/v1/routes/route1":
			w.Write([]byte(`{"id":"route1","name":"r","plugins":[{"plugin":"cp:otoroshi.next.plugins.OtoroshiChallenge","config":{"version":"V2"}}]}`))
		case "/apis/apim.otoroshi.io/v1/apikeys/key1":
			w.Write([]byte(`{"clientId":"cid","clientSecret":"csecret","clientName":"n"}`))
		case "/apis/apim.otoroshi.io/v1/apikeys/bad":
			w.Write([]byte(`{not json`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	host, port, _ := net.SplitHostPort(u.Host)
	p, _ := strconv.Atoi(port)
	cl := NewClient(otomesh.ConnectionTarget{Hostname: "otoroshi-api.oto.tools", IPAddresses: []string{host}, Port: p},
		otomesh.Credentials{ClientID: "admin", ClientSecret: "pwd"}, nil)
	ctx := context.Background()

	cert, err := cl.Certificate(ctx, "cert1")
	require.NoError(t, err)
	require.Equal(t, "otoroshi-api.oto.tools:"+port, gotHost)
	require.Equal(t, "Basic YWRtaW46cHdk", gotAuth)
	require.Equal(t, "/apis/pki.otoroshi.io/v1/certificates/cert1", gotPath)
	kp, err := cert.TLSCertificate()
	require.NoError(t, err)
	require.NotNil(t, kp.PrivateKey)
	pool, err := cert.CertPool()
	require.NoError(t, err)
	require.NotNil(t, pool)

	route, err := cl.Route(ctx, "route1")
	require.NoError(t, err)
	plugin, ok := route.Plugin("cp:otoroshi.next.plugins.OtoroshiChallenge")
	require.True(t, ok)
	require.JSONEq(t, `{"version":"V2"}`, string(plugin.Config))

	apk, err := cl.ApiKey(ctx, "key1")
	require.NoError(t, err)
	require.Equal(t, "cid", apk.ClientID)
	require.Equal(t, "csecret", apk.ClientSecret)

	_, err = cl.ApiKey(ctx, "nope")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusNotFound, se.Status)

	_, err = cl.ApiKey(ctx, "bad")
	require.Error(t, err)
}

func TestCertificateParsing(t *testing.T) {
	ca := testcerts.NewCA(t)
	chain, key := ca.Issue(t, "svc", "svc.otoroshi.mesh")
	_, otherKey := ca.Issue(t, "other")

	c := &Certificate{ID: "ok", Chain: chain + ca.CertPEM, PrivateKey: key}
	x, err := c.X509Chain()
	require.NoError(t, err)
	require.Len(t, x, 2)
	require.Equal(t, "svc", x[0].Subject.CommonName)

	_, err = (&Certificate{ID: "empty", Chain: "", PrivateKey: key}).TLSCertificate()
	require.Error(t, err)
	_, err = (&Certificate{ID: "garbage", Chain: "-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----\n", PrivateKey: key}).TLSCertificate()
	require.Error(t, err)
	_, err = (&Certificate{ID: "mismatch", Chain: chain, PrivateKey: otherKey}).TLSCertificate()
	require.Error(t, err)
	_, err = (&Certificate{ID: "nokey", Chain: chain}).TLSCertificate()
	require.Error(t, err)
	_, err = (&Certificate{ID: "twokeys", Chain: chain, PrivateKey: key + otherKey}).TLSCertificate()
	require.ErrorContains(t, err, "exactly one private key")
	_, err = (&Certificate{ID: "ok", Chain: chain, PrivateKey: key}).TLSCertificate()
	require.NoError(t, err)
	_, err = (&Certificate{ID: "nopool"}).CertPool()
	require.Error(t, err)
}
