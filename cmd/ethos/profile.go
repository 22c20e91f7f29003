package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"ethos/internal/config"
)

// newProfileCommand creates the profile subcommand.
func newProfileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Inspect agent profiles",
		Long:  "Inspect the agent identity a run would use: name, role, permitted actions, domain evaluation and prompt overrides.",
	}

	var (
		configPath  string
		profileName string
	)
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the resolved agent profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			name := profileName
			if name == "" {
				cfg, _, err := config.Load(config.WithConfigPath(resolveConfigPath(configPath)))
				if err != nil {
					return err
				}
				name = cfg.Profile
			}
			profile, err := config.LoadProfile(name)
			if err != nil {
				return err
			}

			out, err := yaml.Marshal(profile)
			if err != nil {
				return fmt.Errorf("encode profile: %w", err)
			}
			fmt.Printf("%s %s\n\n%s", bold("Profile:"), blue(profile.Name), out)
			return nil
		},
	}
	show.Flags().StringVar(&configPath, "config", "", "Configuration file the profile name is read from")
	show.Flags().StringVar(&profileName, "profile", "", "Profile name or YAML path (skips the configuration file)")

	cmd.AddCommand(show)
	return cmd
}
