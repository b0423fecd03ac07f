package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"maas-ws/internal/infra/config"
)

func (a *app) newEncryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt VALUE",
		Short: "Encrypt a credential for the config file",
		Long: `Encrypt a credential for the config file.

The passphrase is read from MAASWS_CONFIG_KEY. Paste the printed value into
server.csrf_token or server.session_id; it is decrypted on load when the
same passphrase is set.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			passphrase := os.Getenv("MAASWS_CONFIG_KEY")
			if passphrase == "" {
				return fmt.Errorf("MAASWS_CONFIG_KEY is not set")
			}
			enc, err := config.EncryptValue(args[0], passphrase)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(a.out, "enc:%s\n", enc)
			return err
		},
	}
}
