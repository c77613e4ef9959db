package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aryangodara/apigateway/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a configuration file without starting the gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		fmt.Printf("%s: ok, %d endpoints\n", path, len(cfg.Endpoints))
		for _, ec := range cfg.Endpoints {
			target := ec.Upstream
			if ec.Static != nil {
				target = "static"
			}
			fmt.Printf("  %-7s %-30s -> %s\n", ec.Method, ec.Path, target)
		}
		return nil
	},
}
