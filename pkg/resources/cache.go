package resources

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

const (
	// DefaultTTL is how long an entry stays visible after it was stored.
	DefaultTTL = 120 * time.Second

	DefaultRefreshInterval = 60 * time.Second
	DefaultPollInterval    = time.Second
	DefaultWaitAttempts    = 30

	RouteCapacity       = 50
	CertificateCapacity = 500
	ApiKeyCapacity      = 2000
)

// ErrNotAvailable is returned by the Wait methods when the resource did not
// show up in the cache after all attempts. Callers treat it as fatal.
var ErrNotAvailable = errors.New("resource not available")

// Fetcher loads resources from the control plane. Implemented by Client.
type Fetcher interface {
	Certificate(ctx context.Context, id string) (*Certificate, error)
	Route(ctx context.Context, id string) (*Route, error)
	ApiKey(ctx context.Context, id string) (*ApiKey, error)
}

// References lists the resource ids the refresh loop keeps warm.
type References struct {
	Certificates []string
	Routes       []string
	ApiKeys      []string
}

type entry struct {
	value     interface{}
	CacheTime time.Time
}

// store is a capacity bounded LRU with a time-to-live on read. Expired
// entries are never returned; they are dropped lazily or pushed out by
// newer ones.
type store struct {
	kind Kind
	lru  *lru.Cache
}

func newStore(kind Kind, size int) (*store, error) {
	l, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &store{kind: kind, lru: l}, nil
}

// Cache holds the resources needed to serve mesh traffic. Lookups never
// block on the network: a miss returns nothing and the refresh loop, or an
// explicit Fetch, fills the cache.
type Cache struct {
	Fetcher Fetcher
	Refs    References

	TTL             time.Duration
	RefreshInterval time.Duration
	PollInterval    time.Duration

	Now    func() time.Time
	Logger *slog.Logger

	certs   *store
	routes  *store
	apikeys *store
}

func NewCache(f Fetcher, refs References) (*Cache, error) {
	c := &Cache{
		Fetcher:         f,
		Refs:            refs,
		TTL:             DefaultTTL,
		RefreshInterval: DefaultRefreshInterval,
		PollInterval:    DefaultPollInterval,
		Now:             time.Now,
		Logger:          slog.Default().With("component", "cache"),
	}
	var err error
	if c.certs, err = newStore(KindCertificate, CertificateCapacity); err != nil {
		return nil, err
	}
	if c.routes, err = newStore(KindRoute, RouteCapacity); err != nil {
		return nil, err
	}
	if c.apikeys, err = newStore(KindApiKey, ApiKeyCapacity); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) get(s *store, id string) (interface{}, bool) {
	v, ok := s.lru.Get(id)
	if !ok {
		return nil, false
	}
	e := v.(*entry)
	if c.Now().Sub(e.CacheTime) >= c.TTL {
		s.lru.Remove(id)
		return nil, false
	}
	return e.value, true
}

func (c *Cache) put(s *store, id string, v interface{}) {
	s.lru.Add(id, &entry{value: v, CacheTime: c.Now()})
}

func (c *Cache) load(ctx context.Context, s *store, id string) (interface{}, error) {
	var (
		v   interface{}
		err error
	)
	switch s.kind {
	case KindCertificate:
		v, err = c.Fetcher.Certificate(ctx, id)
	case KindRoute:
		v, err = c.Fetcher.Route(ctx, id)
	case KindApiKey:
		v, err = c.Fetcher.ApiKey(ctx, id)
	default:
		err = fmt.Errorf("unknown kind %s", s.kind.Name)
	}
	if err != nil {
		fetchTotal.WithLabelValues(s.kind.Name, "error").Inc()
		return nil, err
	}
	fetchTotal.WithLabelValues(s.kind.Name, "ok").Inc()
	return v, nil
}

// reload always calls the control plane and overwrites the entry on success.
func (c *Cache) reload(ctx context.Context, s *store, id string) error {
	v, err := c.load(ctx, s, id)
	if err != nil {
		return err
	}
	c.put(s, id, v)
	return nil
}

// fetch returns the cached value, loading it on a miss. Load errors are
// logged and reported as a miss.
func (c *Cache) fetch(ctx context.Context, s *store, id string) (interface{}, bool) {
	if v, ok := c.get(s, id); ok {
		return v, true
	}
	v, err := c.load(ctx, s, id)
	if err != nil {
		c.Logger.Warn("resource fetch failed", "kind", s.kind.Name, "id", id, "err", err)
		return nil, false
	}
	c.put(s, id, v)
	return v, true
}

// wait polls the cache until the entry shows up, at most attempts times.
func (c *Cache) wait(ctx context.Context, s *store, id string, attempts int) (interface{}, error) {
	if attempts <= 0 {
		attempts = DefaultWaitAttempts
	}
	for i := 0; i < attempts; i++ {
		if v, ok := c.get(s, id); ok {
			return v, nil
		}
		c.Logger.Debug("waiting for resource", "kind", s.kind.Name, "id", id, "attempt", i+1)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.PollInterval):
		}
	}
	if v, ok := c.get(s, id); ok {
		return v, nil
	}
	return nil, fmt.Errorf("%s %s after %d attempts: %w", s.kind.Name, id, attempts, ErrNotAvailable)
}

// Certificate returns the cached certificate, without blocking.
func (c *Cache) Certificate(id string) (*Certificate, bool) {
	v, ok := c.get(c.certs, id)
	if !ok {
		return nil, false
	}
	return v.(*Certificate), true
}

func (c *Cache) FetchCertificate(ctx context.Context, id string) (*Certificate, bool) {
	v, ok := c.fetch(ctx, c.certs, id)
	if !ok {
		return nil, false
	}
	return v.(*Certificate), true
}

func (c *Cache) ReloadCertificate(ctx context.Context, id string) error {
	return c.reload(ctx, c.certs, id)
}

// WaitCertificate blocks until the certificate is cached. Only used at
// startup, before any listener is bound.
func (c *Cache) WaitCertificate(ctx context.Context, id string, attempts int) (*Certificate, error) {
	v, err := c.wait(ctx, c.certs, id, attempts)
	if err != nil {
		return nil, err
	}
	return v.(*Certificate), nil
}

func (c *Cache) Route(id string) (*Route, bool) {
	v, ok := c.get(c.routes, id)
	if !ok {
		return nil, false
	}
	return v.(*Route), true
}

func (c *Cache) FetchRoute(ctx context.Context, id string) (*Route, bool) {
	v, ok := c.fetch(ctx, c.routes, id)
	if !ok {
		return nil, false
	}
	return v.(*Route), true
}

func (c *Cache) ReloadRoute(ctx context.Context, id string) error {
	return c.reload(ctx, c.routes, id)
}

func (c *Cache) WaitRoute(ctx context.Context, id string, attempts int) (*Route, error) {
	v, err := c.wait(ctx, c.routes, id, attempts)
	if err != nil {
		return nil, err
	}
	return v.(*Route), nil
}

func (c *Cache) ApiKey(id string) (*ApiKey, bool) {
	v, ok := c.get(c.apikeys, id)
	if !ok {
		return nil, false
	}
	return v.(*ApiKey), true
}

func (c *Cache) FetchApiKey(ctx context.Context, id string) (*ApiKey, bool) {
	v, ok := c.fetch(ctx, c.apikeys, id)
	if !ok {
		return nil, false
	}
	return v.(*ApiKey), true
}

func (c *Cache) ReloadApiKey(ctx context.Context, id string) error {
	return c.reload(ctx, c.apikeys, id)
}

func (c *Cache) WaitApiKey(ctx context.Context, id string, attempts int) (*ApiKey, error) {
	v, err := c.wait(ctx, c.apikeys, id, attempts)
	if err != nil {
		return nil, err
	}
	return v.(*ApiKey), nil
}

// RefreshAll reloads every referenced resource. Failures are logged and
// counted; entries that fail keep their previous value until they expire.
func (c *Cache) RefreshAll(ctx context.Context) int {
	failed := 0
	refresh := func(s *store, ids []string) {
		for _, id := range ids {
			if id == "" {
				continue
			}
			if err := c.reload(ctx, s, id); err != nil {
				failed++
				c.Logger.Warn("resource refresh failed", "kind", s.kind.Name, "id", id, "err", err)
			}
		}
	}
	refresh(c.certs, c.Refs.Certificates)
	refresh(c.routes, c.Refs.Routes)
	refresh(c.apikeys, c.Refs.ApiKeys)
	refreshTotal.Inc()
	return failed
}

// Run refreshes immediately, then every RefreshInterval until ctx is done.
func (c *Cache) Run(ctx context.Context) error {
	c.Logger.Info("starting resource refresh loop", "interval", c.RefreshInterval,
		"certificates", len(c.Refs.Certificates), "routes", len(c.Refs.Routes), "apikeys", len(c.Refs.ApiKeys))
	c.RefreshAll(ctx)
	t := time.NewTicker(c.RefreshInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			c.RefreshAll(ctx)
		}
	}
}
