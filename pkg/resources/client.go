package resources

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/cloud-apim/otomesh"
)

// Client reads resources from the control-plane API.
type Client struct {
	Target      otomesh.ConnectionTarget
	Credentials otomesh.Credentials

	HTTP *http.Client
}

// NewClient returns a client for target. clientCert, when not nil, is
// presented to the control plane.
func NewClient(target otomesh.ConnectionTarget, creds otomesh.Credentials, clientCert *tls.Certificate) *Client {
	tr := cleanhttp.DefaultPooledTransport()
	tr.TLSClientConfig = &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: target.Host(),
	}
	if clientCert != nil {
		tr.TLSClientConfig.Certificates = []tls.Certificate{*clientCert}
	}
	return &Client{
		Target:      target,
		Credentials: creds,
		HTTP:        &http.Client{Transport: tr, Timeout: 30 * time.Second},
	}
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Kind   string
	ID     string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetching %s %s: unexpected status %d", e.Kind, e.ID, e.Status)
}

// Get fetches one resource and decodes it into out.
func (c *Client) Get(ctx context.Context, kind Kind, id string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Target.URL(kind.Path(id)), nil)
	if err != nil {
		return err
	}
	req.Host = c.Target.HostPort()
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.Credentials.ClientID, c.Credentials.ClientSecret)

	res, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("fetching %s %s: %w", kind.Name, id, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		io.Copy(io.Discard, res.Body)
		return &StatusError{Kind: kind.Name, ID: id, Status: res.StatusCode}
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s: %w", kind.Name, id, err)
	}
	return nil
}

func (c *Client) Certificate(ctx context.Context, id string) (*Certificate, error) {
	v := &Certificate{}
	if err := c.Get(ctx, KindCertificate, id, v); err != nil {
		return nil, err
	}
	return v, nil
}

func (c *Client) Route(ctx context.Context, id string) (*Route, error) {
	v := &Route{}
	if err := c.Get(ctx, KindRoute, id, v); err != nil {
		return nil, err
	}
	return v, nil
}

func (c *Client) ApiKey(ctx context.Context, id string) (*ApiKey, error) {
	v := &ApiKey{}
	if err := c.Get(ctx, KindApiKey, id, v); err != nil {
		return nil, err
	}
	return v, nil
}
