package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"livecast/internal/platform/config"
	"livecast/internal/token"
)

type secrets struct {
	envFile string
}

// load reads the optional env file. A missing default .env is fine.
func (s *secrets) load() error {
	if s.envFile == "" {
		_ = config.Load()
		return nil
	}
	if err := config.Load(s.envFile); err != nil {
		return fmt.Errorf("load %s: %w", s.envFile, err)
	}
	return nil
}

func (s *secrets) session() (*token.Issuer, error) {
	return token.NewSessionIssuer([]byte(config.GetEnv("SESSION_TOKEN_SECRET", "")))
}

func (s *secrets) playback() (*token.Issuer, error) {
	return token.NewPlaybackIssuer([]byte(config.GetEnv("PLAYBACK_TOKEN_SECRET", "")))
}

func newRootCommand() *cobra.Command {
	s := &secrets{}

	rootCmd := &cobra.Command{
		Use:           "tokenctl",
		Short:         "Mint and inspect livecast tokens",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return s.load()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVar(&s.envFile, "env", "", "Env file holding the token secrets (default .env)")

	rootCmd.AddCommand(newSessionCommand(s))
	rootCmd.AddCommand(newPlaybackCommand(s))
	rootCmd.AddCommand(newInspectCommand(s))
	return rootCmd
}
