// Package commands implements the ldaptoid CLI.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile string
)

// rootCmd is the base command.
var rootCmd = &cobra.Command{
	Use:   "ldaptoid",
	Short: "ldaptoid - read-only LDAP projection of an OIDC identity provider",
	Long: `ldaptoid projects users and groups managed by an OpenID Connect
identity provider (Keycloak, Microsoft Entra ID, or Zitadel) into a
read-only directory served over the LDAPv3 wire protocol. Legacy POSIX
clients can treat it as an ordinary directory server; it never modifies
IdP state.

Use "ldaptoid [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI. Called by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: $XDG_CONFIG_HOME/ldaptoid/config.yaml)")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(versionCmd)
}
