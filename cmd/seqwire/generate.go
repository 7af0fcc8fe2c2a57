package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/seqwire/seqwire/config"
)

func init() {
	rootCmd.AddCommand(generateCmd)
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "print a default config",
	RunE:  generate,
}

func generate(cmd *cobra.Command, args []string) error {
	data, err := yaml.Marshal(makeDefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	fmt.Println(string(data)) // CLI output.
	return nil
}

func makeDefaultConfig() config.Store {
	return config.Store{
		Hub: config.Hub{
			Listen: []string{
				config.DefaultListenURL,
				fmt.Sprintf("ws://127.0.0.1:%d/wire", config.DefaultPortNumber+1),
			},
		},
		System: config.System{
			MetricsListen: "127.0.0.1:9558",
			LogLevel:      "info",
		},
	}
}
