package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ldaptoid/ldaptoid/pkg/config"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Load and validate the configuration, then print the effective settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		fmt.Println("Configuration OK")
		fmt.Printf("  idp:            %s\n", cfg.IdP.Type)
		fmt.Printf("  idp base URL:   %s\n", orDash(cfg.IdP.BaseURL))
		fmt.Printf("  ldap port:      %d\n", cfg.LDAP.Port)
		fmt.Printf("  base DN:        %s\n", cfg.LDAP.BaseDN)
		fmt.Printf("  service bind:   %s\n", orDash(cfg.LDAP.BindDN))
		fmt.Printf("  anonymous bind: %t\n", cfg.LDAP.AllowAnonymousBind)
		fmt.Printf("  size limit:     %d\n", cfg.LDAP.SizeLimit)
		fmt.Printf("  refresh every:  %s\n", cfg.Refresh.Interval)
		fmt.Printf("  features:       %v\n", cfg.Refresh.EnabledFeatures)
		fmt.Printf("  mapping store:  enabled=%t %s:%d\n",
			cfg.MappingStore.Enabled, cfg.MappingStore.Host, cfg.MappingStore.Port)
		fmt.Printf("  admin http:     enabled=%t port=%d\n", cfg.Admin.Enabled, cfg.Admin.Port)
		return nil
	},
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
