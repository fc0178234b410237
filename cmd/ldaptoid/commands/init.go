package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ldaptoid/ldaptoid/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		var path string
		var err error
		if cfgFile != "" {
			path = cfgFile
			err = config.InitConfigToPath(cfgFile, initForce)
		} else {
			path, err = config.InitConfig(initForce)
		}
		if err != nil {
			return err
		}

		fmt.Printf("Configuration file created at: %s\n", path)
		fmt.Println("\nNext steps:")
		fmt.Println("  1. Edit the configuration to point at your IdP")
		fmt.Println("  2. Verify it with: ldaptoid check")
		fmt.Println("  3. Start the server with: ldaptoid start")
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
}
