package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeeves-cluster-organization/agentcore/coreengine/config"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/tools"
)

// Version information
const (
	Version   = "0.3.0"
	BuildTime = "2026-10-01"
)

// rootOptions are the persistent flags shared by all subcommands.
type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "agentcore",
		Short: "Agent orchestration core",
		Long: `agentcore drives REACT sessions: it validates model output, decides the
next step and routes tool, memory and model requests out over positional
channels. Tools and models run outside the core.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to the YAML config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")

	cmd.AddCommand(
		newServeCmd(opts),
		newRunCmd(opts),
		newValidateCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// load reads the config file and applies the --log-level override.
func (o *rootOptions) load() (*config.ServerConfig, error) {
	cfg, err := config.LoadServerConfig(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	return cfg, nil
}

// buildCatalog registers the configured tool descriptions.
func buildCatalog(defs []config.ToolConfig) (*tools.Catalog, error) {
	catalog := tools.NewCatalog()
	for _, d := range defs {
		if err := catalog.Register(&tools.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			Kind:        tools.Kind(d.Kind),
			RiskLevel:   d.RiskLevel,
			Parameters:  d.Parameters,
		}); err != nil {
			return nil, err
		}
	}
	return catalog, nil
}

// splitList parses a comma separated flag value.
func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}
