package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/Rorqualx/grubcrawl/internal/security"
)

func newCheckIPCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check-ip",
		Short: "Launch the browser and report the exit IP seen through the configured proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// The check below is the one being asked for; skip the startup one.
			a.cfg.IPCheckEnabled = false
			if err := a.openEngine(cmd.Context()); err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			if err := a.engine.Start(ctx); err != nil {
				return err
			}
			ip := a.engine.CheckExitIP(ctx)

			proxy := "direct"
			if p := a.engine.Proxy(); p != nil {
				proxy = security.RedactProxyURL(p.Server)
			}
			if err := writeJSON(cmd.OutOrStdout(), map[string]string{"ip": ip, "proxy": proxy}); err != nil {
				return err
			}
			if ip == "" {
				return errors.New("exit IP could not be determined")
			}
			return nil
		},
	}
}
