package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"muxd/internal/config"
	"muxd/pkg/certgen"
)

func gencertCmd() *cobra.Command {
	var certFile, keyFile string

	cmd := &cobra.Command{
		Use:   "gencert [host...]",
		Short: "Generate a self-signed TLS certificate for the HTTP/2 listener",
		Long: `Generate a self-signed certificate and private key.

Hosts may be DNS names or IP addresses and default to localhost and
127.0.0.1. Existing files are left untouched.

Examples:
  muxd gencert
  muxd gencert example.test 10.0.0.5`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if certFile == "" {
				certFile = cfg.CertFile
			}
			if keyFile == "" {
				keyFile = cfg.KeyFile
			}
			if err := certgen.GenerateCert(certFile, keyFile, args...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Certificate: %s\nKey:         %s\n", certFile, keyFile)
			return nil
		},
	}

	cmd.Flags().StringVar(&certFile, "cert", "", "Certificate output path (default in the config directory)")
	cmd.Flags().StringVar(&keyFile, "key", "", "Key output path (default in the config directory)")
	return cmd
}
