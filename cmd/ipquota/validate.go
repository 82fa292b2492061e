package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"mercator-hq/ipquota/pkg/config"
	"mercator-hq/ipquota/pkg/telemetry/logging"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long: `Load the configuration file with environment overrides applied and report
the effective settings. Exits with status 3 when the configuration is invalid.

Examples:
  ipquota validate
  ipquota validate --config /etc/ipquota/config.yaml -o json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}
		return printResult(cmd, summarize(cfg, path))
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

// configSummary is the effective configuration with secrets masked.
type configSummary struct {
	Source        string `json:"source"`
	Environment   string `json:"environment"`
	ListenAddress string `json:"listen_address"`
	Cache         string `json:"cache"`
	MaxUsage      int64  `json:"max_usage"`
	Window        string `json:"window"`
	FailOpen      bool   `json:"fail_open"`
	TrustProxy    bool   `json:"trust_proxy"`
	Storage       string `json:"storage"`
	PruneSchedule string `json:"prune_schedule,omitempty"`
	LogLevel      string `json:"log_level"`
	Metrics       bool   `json:"metrics"`
	Tracing       bool   `json:"tracing"`
}

func summarize(cfg *config.Config, path string) configSummary {
	source := path
	if source == "" {
		source = "defaults"
	}

	cacheDesc := "none (no-op)"
	switch {
	case cfg.Cache.URL != "":
		cacheDesc = logging.NewRedactor().RedactString(cfg.Cache.URL)
	case cfg.Cache.Address != "":
		cacheDesc = cfg.Cache.Address
	}

	storageDesc := cfg.Storage.Backend
	if cfg.Storage.Backend == config.StorageBackendSQLite {
		storageDesc += " (" + cfg.Storage.SQLite.Path + ", driver " + cfg.Storage.SQLite.Driver + ")"
	}

	return configSummary{
		Source:        source,
		Environment:   cfg.Environment,
		ListenAddress: cfg.Server.ListenAddress,
		Cache:         cacheDesc,
		MaxUsage:      cfg.Usage.MaxUsage,
		Window:        cfg.Usage.Window.String(),
		FailOpen:      cfg.Usage.FailOpenEnabled(),
		TrustProxy:    cfg.ClientIP.TrustProxyEnabled(),
		Storage:       storageDesc,
		PruneSchedule: cfg.Storage.PruneSchedule,
		LogLevel:      cfg.Telemetry.Logging.Level,
		Metrics:       cfg.Telemetry.Metrics.Enabled,
		Tracing:       cfg.Telemetry.Tracing.Enabled,
	}
}

func (s configSummary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "✓ Configuration valid (%s)\n", s.Source)
	fmt.Fprintf(&b, "  Environment:  %s\n", s.Environment)
	fmt.Fprintf(&b, "  Listen:       %s\n", s.ListenAddress)
	fmt.Fprintf(&b, "  Cache:        %s\n", s.Cache)
	fmt.Fprintf(&b, "  Quota:        %d per %s (fail open: %t)\n", s.MaxUsage, s.Window, s.FailOpen)
	fmt.Fprintf(&b, "  Trust proxy:  %t\n", s.TrustProxy)
	fmt.Fprintf(&b, "  Storage:      %s\n", s.Storage)
	fmt.Fprintf(&b, "  Log level:    %s", s.LogLevel)
	return b.String()
}
