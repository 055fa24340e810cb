// Package cli provides the hostgate command tree.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"hostgate/internal/config"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

// NewRootCmd creates the root command for hostgate.
func NewRootCmd(version ...string) *cobra.Command {
	ver := "dev"
	if len(version) > 0 && version[0] != "" {
		ver = version[0]
	}
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "hostgate",
		Short: "Human-approved access gate for a local device service",
		Long: `hostgate sits in front of a local HTTP device service and asks a human
before letting an unknown host use it.

Loopback requests always pass. Hosts on the deny list are refused, hosts on
the allow list pass, and every other host triggers one prompt no matter how
many of its requests are waiting.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv(config.EnvConfig), "Path to the YAML config file (env "+config.EnvConfig+")")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override log_level (debug, info, warn, error)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newStateCmd(opts))
	cmd.AddCommand(newListCmd(opts, "allow", "Add a host to the allow list", "whitelist"))
	cmd.AddCommand(newListCmd(opts, "deny", "Add a host to the deny list", "blacklist"))
	cmd.AddCommand(newRemoveCmd(opts, "unallow", "Remove a host from the allow list", "whitelist"))
	cmd.AddCommand(newRemoveCmd(opts, "undeny", "Remove a host from the deny list", "blacklist"))
	cmd.AddCommand(newDecideCmd(opts))
	cmd.AddCommand(newVersionCmd(ver))

	return cmd
}

func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
