package otomesh

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConnectionTarget(t *testing.T) {
	t.Run("hostname", func(t *testing.T) {
		ct := &ConnectionTarget{Hostname: "otoroshi-api.oto.tools", Port: 9999}
		require.Equal(t, "otoroshi-api.oto.tools:9999", ct.HostPort())
		require.Equal(t, "otoroshi-api.oto.tools:9999", ct.DialAddr())
		require.Equal(t, "http://otoroshi-api.oto.tools:9999/apis/x", ct.URL("/apis/x"))
	})

	t.Run("ips", func(t *testing.T) {
		ct := &ConnectionTarget{Hostname: "routing.oto.tools", IPAddresses: []string{"10.0.0.1", "10.0.0.2"}, Port: 8443, TLS: true}
		for i := 0; i < 20; i++ {
			require.Contains(t, []string{"10.0.0.1", "10.0.0.2"}, ct.DialHost())
		}
		require.Equal(t, "routing.oto.tools", ct.Host())
		require.Equal(t, "https", ct.Scheme())
	})

	t.Run("kubernetes", func(t *testing.T) {
		ct := &ConnectionTarget{Hostname: "ignored", IPAddresses: []string{"10.0.0.1"}, Port: 8443,
			Kubernetes: &Kubernetes{}}
		require.Equal(t, "otoroshi.otoroshi.svc.cluster.local", ct.Host())
		require.Equal(t, "otoroshi.otoroshi.svc.cluster.local", ct.DialHost())

		ct.Kubernetes = &Kubernetes{Service: "gw", Namespace: "edge"}
		require.Equal(t, "gw.edge.svc.cluster.local:8443", ct.DialAddr())
	})
}
