package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cloud-apim/otomesh/pkg/challenge"
)

func newChallengeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "challenge",
		Short: "Otoroshi challenge protocol tools",
	}

	def := challenge.DefaultProxyConfig()
	proxyCmd := &cobra.Command{
		Use:   "proxy",
		Short: "Run a reverse proxy answering the otoroshi challenge in front of a backend",
		Long: `Verifies the challenge token sent by otoroshi, forwards the request to the
backend and adds the signed response to the backend response. Requests
without a valid challenge are rejected with 401.

Every flag can also be set with an OTOROSHICTL_ environment variable, for
example OTOROSHICTL_SECRET.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			p, err := challenge.NewProxy(proxyConfig(v))
			if err != nil {
				return err
			}
			return p.ListenAndServe(ctx, v.GetInt("port"))
		},
	}
	f := proxyCmd.Flags()
	f.IntP("port", "p", def.ListenPort, "port to listen on")
	f.String("backend-host", def.BackendHost, "backend host")
	f.Int("backend-port", def.BackendPort, "backend port")
	f.String("secret", "", "secret shared with otoroshi, required for V2")
	f.Bool("secret-base64", false, "the secret is base64 encoded")
	f.String("state-header", def.StateHeader, "header carrying the challenge")
	f.String("state-resp-header", def.StateRespHeader, "header carrying the response")
	f.Duration("timeout", def.RequestTimeout, "backend request timeout")
	f.Duration("token-ttl", def.TokenTTL, "validity of the response token")
	f.String("alg", string(def.Algorithm), "signing algorithm: HS256, HS384 or HS512")
	f.Bool("v1", false, "use the V1 protocol (plain echo)")

	cmd.AddCommand(proxyCmd)
	return cmd
}

func proxyConfig(v *viper.Viper) challenge.ProxyConfig {
	cfg := challenge.ProxyConfig{
		ListenPort:      v.GetInt("port"),
		BackendHost:     v.GetString("backend-host"),
		BackendPort:     v.GetInt("backend-port"),
		Secret:          v.GetString("secret"),
		SecretBase64:    v.GetBool("secret-base64"),
		StateHeader:     v.GetString("state-header"),
		StateRespHeader: v.GetString("state-resp-header"),
		RequestTimeout:  v.GetDuration("timeout"),
		TokenTTL:        v.GetDuration("token-ttl"),
		Algorithm:       challenge.ParseAlgorithm(v.GetString("alg")),
		Version:         challenge.V2,
	}
	if v.GetBool("v1") {
		cfg.Version = challenge.V1
	}
	return cfg
}
