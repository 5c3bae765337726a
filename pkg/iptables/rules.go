// Package iptables installs the nat rules that steer local traffic through
// the sidecar, and recovers the original destination of redirected
// connections.
//
// Outbound HTTP (tcp/80) is redirected to the outbound proxy, traffic for the
// application port to the inbound proxy, and DNS (udp/53) to the mesh
// resolver. The sidecar's own user is exempted so its calls are not looped
// back.
package iptables

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"

	sprig "github.com/go-task/slim-sprig/v3"
)

const (
	OutboundChain = "OTOCTL_OUTBOUND_REDIRECT"
	InboundChain  = "OTOCTL_INBOUND_REDIRECT"
	DNSChain      = "OTOCTL_DNS_REDIRECT"
)

// Chains created by older releases, removed on uninstall.
var legacyChains = []string{
	"OTOROSHICTL_SIDECAR_OUTBOUND_REDIRECT",
	"OTOROSHICTL_SIDECAR_INBOUND_REDIRECT",
	"OTOROSHICTL_SIDECAR_DNS_REDIRECT",
}

// Ports are the local ports involved in the redirection.
type Ports struct {
	Outbound int
	Inbound  int
	Target   int
	DNS      int
}

// DefaultBackupPath is where the rules are saved before install.
func DefaultBackupPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "otomesh", "iptables_backup")
}

// LookupUID resolves the numeric uid of the sidecar user.
func LookupUID(name string) (int, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(u.Uid)
}

type chain struct {
	Name  string
	Hook  string
	Proto string
	DPort int
	To    int

	// Exempt skips traffic of the sidecar user.
	Exempt bool
}

var scripts = template.Must(template.New("iptables").Funcs(sprig.FuncMap()).Parse(`
{{- define "install" -}}
set -e

mkdir -p {{ dir .Backup | squote }}
iptables-save -f {{ squote .Backup }}
{{ range .Chains }}
iptables -t nat -N {{ .Name }}
{{- if .Exempt }}
iptables -t nat -I {{ .Hook }} 1 -p {{ .Proto }} --dport {{ .DPort }} -m owner --uid-owner {{ $.UID }} -j RETURN
{{- end }}
iptables -t nat -A {{ .Hook }} -p {{ .Proto }} --dport {{ .DPort }} -j {{ .Name }}
iptables -t nat -A {{ .Name }} -p {{ .Proto }} -j REDIRECT --to-ports {{ .To }}
{{ end }}
iptables -t nat --list
{{ end }}

{{- define "uninstall" -}}
set +e

if [ -f {{ squote .Backup }} ]; then
  echo 'restoring iptables from backup: {{ .Backup }}'
  iptables-restore {{ squote .Backup }}
else
  echo 'no iptables backup found at {{ .Backup }}, performing selective cleanup'
  CHAINS="{{ join " " .Chains }}"
  for HOOK in OUTPUT INPUT PREROUTING; do
    iptables -t nat -S "$HOOK" 2>/dev/null | while read -r LINE; do
      for CH in $CHAINS; do
        if echo "$LINE" | grep -q " -j $CH\$"; then
          CMD=$(echo "$LINE" | sed -E 's/^-A /-D /')
          echo "iptables -t nat $CMD"
          iptables -t nat $CMD || true
        fi
      done
    done
  done
  for CH in $CHAINS; do
    iptables -t nat -F "$CH" 2>/dev/null || true
    iptables -t nat -X "$CH" 2>/dev/null || true
  done
fi

iptables -t nat --list
{{ end }}
`))

func render(name string, data interface{}) string {
	var b strings.Builder
	// Inputs are ints and a path, execution cannot fail.
	if err := scripts.ExecuteTemplate(&b, name, data); err != nil {
		panic(err)
	}
	return b.String()
}

// InstallScript returns the shell script installing the rules. The current
// rule set is saved to backupPath first.
func InstallScript(p Ports, uid int, backupPath string) string {
	return render("install", map[string]interface{}{
		"Backup": backupPath,
		"UID":    uid,
		"Chains": []chain{
			{Name: OutboundChain, Hook: "OUTPUT", Proto: "tcp", DPort: 80, To: p.Outbound, Exempt: true},
			{Name: InboundChain, Hook: "INPUT", Proto: "tcp", DPort: p.Target, To: p.Inbound},
			{Name: DNSChain, Hook: "OUTPUT", Proto: "udp", DPort: 53, To: p.DNS, Exempt: true},
		},
	})
}

// UninstallScript restores the backup when present, otherwise removes the
// jumps to our chains and the chains themselves.
func UninstallScript(backupPath string) string {
	return render("uninstall", map[string]interface{}{
		"Backup": backupPath,
		"Chains": append([]string{OutboundChain, InboundChain, DNSChain}, legacyChains...),
	})
}

// Run executes script with sh. With dry set the script is only written to
// out.
func Run(ctx context.Context, script string, dry bool, out io.Writer) error {
	if dry {
		_, err := io.WriteString(out, script)
		return err
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", script)
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("running iptables script: %w", err)
	}
	return nil
}
