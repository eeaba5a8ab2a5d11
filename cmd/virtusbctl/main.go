package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Lysandre0/virtusb/internal/config"
	"github.com/Lysandre0/virtusb/internal/logging"
	"github.com/Lysandre0/virtusb/internal/reconcile"
)

var (
	configPath string
	cfg        config.Config
)

var rootCmd = &cobra.Command{
	Use:           "virtusbctl",
	Short:         "Manage virtual USB mass-storage devices",
	Long:          "virtusbctl defines, activates, and reconciles virtual USB mass-storage\ndevices exposed through the Linux gadget configfs and a UDC slot pool.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logging.ConfigureRuntime()

		if configPath != "" {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
			return nil
		}
		if loaded, err := config.Load(config.DefaultPath); err == nil {
			cfg = loaded
		} else {
			cfg = config.Default()
		}
		return nil
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default "+config.DefaultPath+")")
	rootCmd.AddCommand(createCmd, enableCmd, disableCmd, deleteCmd, listCmd, purgeCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "virtusbctl: %v\n", err)
		os.Exit(1)
	}
}

// withSession runs fn inside the exclusive invocation lock, after the
// restore-and-repair pass every invocation starts with.
func withSession(fn func(s *reconcile.Session) error) error {
	if os.Geteuid() != 0 {
		log.Warn().Msg("not running as root; gadget and module operations will likely fail")
	}

	s, err := reconcile.NewSession(cfg)
	if err != nil {
		return err
	}
	if err := s.Lock(); err != nil {
		return err
	}
	defer func() {
		if err := s.Unlock(); err != nil {
			log.Warn().Err(err).Msg("unlock failed")
		}
	}()

	if _, err := s.RestoreAndRepair(contextOf()); err != nil {
		return fmt.Errorf("reconciliation: %w", err)
	}
	return fn(s)
}
