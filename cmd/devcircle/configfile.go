package main

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/devcircle/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newConfigCommand() *cobra.Command {
	configCmd := &cobra.Command{Use: "config", Short: "Client configuration file"}

	var path string
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the effective client configuration as TOML",
		RunE: func(cmd *cobra.Command, args []string) error {
			clientConfig, err := config.LoadClient(viper.GetViper())
			if err != nil {
				return err
			}
			if err := config.WriteClientFile(path, clientConfig, force); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().StringVar(&path, "path", "devcircle.toml", "Destination file")
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	configCmd.AddCommand(initCmd)
	return configCmd
}
