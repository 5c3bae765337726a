package iptables

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInstallScript(t *testing.T) {
	s := InstallScript(Ports{Outbound: 15001, Inbound: 15000, Target: 8080, DNS: 15053}, 1337, "/tmp/otomesh/backup")

	for _, line := range []string{
		"iptables-save -f '/tmp/otomesh/backup'",
		"iptables -t nat -N OTOCTL_OUTBOUND_REDIRECT",
		"iptables -t nat -I OUTPUT 1 -p tcp --dport 80 -m owner --uid-owner 1337 -j RETURN",
		"iptables -t nat -A OUTPUT -p tcp --dport 80 -j OTOCTL_OUTBOUND_REDIRECT",
		"iptables -t nat -A OTOCTL_OUTBOUND_REDIRECT -p tcp -j REDIRECT --to-ports 15001",
		"iptables -t nat -A INPUT -p tcp --dport 8080 -j OTOCTL_INBOUND_REDIRECT",
		"iptables -t nat -A OTOCTL_INBOUND_REDIRECT -p tcp -j REDIRECT --to-ports 15000",
		"iptables -t nat -I OUTPUT 1 -p udp --dport 53 -m owner --uid-owner 1337 -j RETURN",
		"iptables -t nat -A OTOCTL_DNS_REDIRECT -p udp -j REDIRECT --to-ports 15053",
	} {
		require.Contains(t, s, line+"\n")
	}

	// Backup comes first, listing last.
	require.Less(t, strings.Index(s, "iptables-save"), strings.Index(s, "-N OTOCTL_OUTBOUND_REDIRECT"))
	require.True(t, strings.HasSuffix(s, "iptables -t nat --list\n"))
}

func TestUninstallScript(t *testing.T) {
	s := UninstallScript("/tmp/otomesh/backup")
	require.Contains(t, s, "iptables-restore '/tmp/otomesh/backup'")
	for _, ch := range []string{OutboundChain, InboundChain, DNSChain, "OTOROSHICTL_SIDECAR_OUTBOUND_REDIRECT"} {
		require.Contains(t, s, ch)
	}
	require.Contains(t, s, "for HOOK in OUTPUT INPUT PREROUTING")
	require.Contains(t, s, `iptables -t nat -X "$CH"`)
}

func TestRunDry(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, Run(context.Background(), "echo nope\n", true, &out))
	require.Equal(t, "echo nope\n", out.String())
}

func TestRun(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, Run(context.Background(), "echo hello", false, &out))
	require.Equal(t, "hello\n", out.String())

	require.Error(t, Run(context.Background(), "exit 3", false, &out))
}

func TestOriginalDstNotTCP(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	_, err := OriginalDst(a)
	require.Error(t, err)
}
