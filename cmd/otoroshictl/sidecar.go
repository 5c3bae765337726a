package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"sigs.k8s.io/yaml"

	"github.com/cloud-apim/otomesh/pkg/inbound"
	"github.com/cloud-apim/otomesh/pkg/iptables"
	"github.com/cloud-apim/otomesh/pkg/meshdns"
	"github.com/cloud-apim/otomesh/pkg/outbound"
	"github.com/cloud-apim/otomesh/pkg/sidecar"
)

const howto = `Running the otoroshi mesh sidecar

1. Create a sidecar configuration:

     otoroshictl sidecar generate-config -f sidecar.yaml

   and set the control plane location, credentials, the inbound
   certificates and the outbound mesh hostnames.

2. Create a dedicated user for the sidecar so its own traffic is not
   redirected:

     sudo useradd -r otoroshi-sidecar

3. Install the iptables rules (use --dry-run to review them first):

     sudo otoroshictl sidecar install -f sidecar.yaml --user otoroshi-sidecar

4. Run the sidecar as that user:

     sudo runuser -u otoroshi-sidecar -- otoroshictl sidecar run -f sidecar.yaml

5. Remove the rules when done:

     sudo otoroshictl sidecar uninstall
`

func newSidecarCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sidecar",
		Short: "Manage an otoroshi mesh sidecar",
	}

	howtoCmd := &cobra.Command{
		Use:   "howto",
		Short: "Display instructions to install and run the sidecar",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprint(cmd.OutOrStdout(), howto)
			return err
		},
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sidecar",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			doc, err := sidecar.Load(ctx, v.GetString("file"))
			if err != nil {
				return err
			}
			s, err := sidecar.New(&doc.Spec)
			if err != nil {
				return err
			}
			return s.Run(ctx)
		},
	}
	runCmd.Flags().StringP("file", "f", "sidecar.yaml", "sidecar config file or URL")

	genCmd := &cobra.Command{
		Use:   "generate-config",
		Short: "Write a sidecar config template",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := yaml.Marshal(sidecar.Template())
			if err != nil {
				return err
			}
			if f := v.GetString("file"); f != "" {
				return os.WriteFile(f, b, 0o600)
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	}
	genCmd.Flags().StringP("file", "f", "", "file to write, stdout when empty")

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install transparent proxying of mesh calls through iptables rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			user := v.GetString("user")
			if user == "" {
				return errors.New("--user is required")
			}
			ports := iptables.Ports{
				Outbound: outbound.DefaultPort,
				Inbound:  inbound.DefaultPort,
				Target:   inbound.DefaultTargetPort,
				DNS:      meshdns.DefaultPort,
			}
			if f := v.GetString("file"); f != "" {
				doc, err := sidecar.Load(cmd.Context(), f)
				if err != nil {
					return err
				}
				ports = installPorts(&doc.Spec, ports)
			}
			uid, err := iptables.LookupUID(user)
			if err != nil {
				return fmt.Errorf("user %s: %w", user, err)
			}
			script := iptables.InstallScript(ports, uid, iptables.DefaultBackupPath())
			return iptables.Run(cmd.Context(), script, v.GetBool("dry-run"), cmd.OutOrStdout())
		},
	}
	installCmd.Flags().StringP("file", "f", "", "sidecar config file or URL")
	installCmd.Flags().StringP("user", "u", "", "user running the sidecar process")
	installCmd.Flags().Bool("dry-run", false, "print the rules without applying them")

	uninstallCmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the iptables rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			script := iptables.UninstallScript(iptables.DefaultBackupPath())
			return iptables.Run(cmd.Context(), script, v.GetBool("dry-run"), cmd.OutOrStdout())
		},
	}
	uninstallCmd.Flags().Bool("dry-run", false, "print the commands without running them")

	cmd.AddCommand(howtoCmd, runCmd, genCmd, installCmd, uninstallCmd)
	return cmd
}

// installPorts overrides the defaults with the ports of the config.
func installPorts(c *sidecar.Config, p iptables.Ports) iptables.Ports {
	if c.Outbounds.Port != 0 {
		p.Outbound = c.Outbounds.Port
	}
	if c.Inbound.Port != 0 {
		p.Inbound = c.Inbound.Port
	}
	if c.Inbound.TargetPort != 0 {
		p.Target = c.Inbound.TargetPort
	}
	if c.DNSPort != 0 {
		p.DNS = c.DNSPort
	}
	return p
}
