package main

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"mercator-hq/ipquota/pkg/clientip"
)

var ipFlags struct {
	headers    []string
	remoteAddr string
}

var ipCmd = &cobra.Command{
	Use:   "ip",
	Short: "Client address tools",
}

var ipResolveCmd = &cobra.Command{
	Use:   "resolve [address]",
	Short: "Show the usage key for an address or a set of request headers",
	Long: `Show the usage key the server would derive.

With an address argument the address is normalized. Otherwise the request
described by --header and --remote-addr is resolved the way the server
resolves incoming requests, using the configured client_ip settings.

Examples:
  # Normalize an address
  ipquota ip resolve ::ffff:203.0.113.5

  # Resolve a proxied request
  ipquota ip resolve --header "X-Forwarded-For: 198.51.100.7, 10.0.0.1" --remote-addr 10.0.0.1:443`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIPResolve,
}

func init() {
	ipResolveCmd.Flags().StringArrayVarP(&ipFlags.headers, "header", "H", nil, `request header as "Name: value" (repeatable)`)
	ipResolveCmd.Flags().StringVar(&ipFlags.remoteAddr, "remote-addr", "", "transport peer address (host:port)")

	ipCmd.AddCommand(ipResolveCmd)
	rootCmd.AddCommand(ipCmd)
}

func runIPResolve(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	opts := resolverOptions(cfg)

	if len(args) == 1 {
		if len(ipFlags.headers) > 0 || ipFlags.remoteAddr != "" {
			return fmt.Errorf("an address argument cannot be combined with --header or --remote-addr")
		}
		return printResult(cmd, ipView(clientip.Normalize(args[0], opts)))
	}

	headers, err := parseHeaders(ipFlags.headers)
	if err != nil {
		return err
	}
	return printResult(cmd, ipView(clientip.NewResolver(opts).Resolve(headers, ipFlags.remoteAddr)))
}

// parseHeaders turns "Name: value" strings into a header set.
func parseHeaders(raw []string) (http.Header, error) {
	h := make(http.Header, len(raw))
	for _, line := range raw {
		name, value, ok := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q, expected \"Name: value\"", line)
		}
		h.Add(name, strings.TrimSpace(value))
	}
	return h, nil
}

// ipView prints a resolution result as a one-row table.
type ipView clientip.Info

func (ipView) Header() []string {
	return []string{"normalized", "family", "is_valid", "original", "source"}
}

func (v ipView) Rows() [][]string {
	return [][]string{{v.Normalized, v.Family.String(), strconv.FormatBool(v.IsValid), v.Original, v.Source}}
}
