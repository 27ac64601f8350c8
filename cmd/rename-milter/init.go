package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/foxzi/rename-milter/internal/config"
)

var (
	initOutput  string
	initSocket  string
	initDataDir string
	initRules   []string
	initMetrics bool
	initForce   bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample configuration",
	Long: `Create a commented rename-milter configuration file.

Examples:
  # Defaults: Postfix unix socket, SpamAssassin headers
  rename-milter init -o /etc/rename-milter/config.yaml

  # TCP socket and custom rules
  rename-milter init --socket inet:10027@127.0.0.1 --rule 'X-Spam-Flag=^YES$' --rule X-Virus-Scanned`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "config.yaml", "Output configuration file path")
	initCmd.Flags().StringVar(&initSocket, "socket", config.DefaultSocket, "Milter socket")
	initCmd.Flags().StringVar(&initDataDir, "data-dir", "/var/lib/rename-milter", "Directory for the counters database")
	initCmd.Flags().StringArrayVar(&initRules, "rule", nil, "Rule as Header or Header=pattern (repeatable)")
	initCmd.Flags().BoolVar(&initMetrics, "metrics", false, "Enable the Prometheus endpoint")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config file")

	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	// Check if output file exists
	if !initForce {
		if _, err := os.Stat(initOutput); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", initOutput)
		}
	}

	rules, err := parseRuleFlags(initRules)
	if err != nil {
		return err
	}

	content := generateConfig(rules)

	// The generated file must load cleanly
	if _, err := config.Parse([]byte(content)); err != nil {
		return fmt.Errorf("generated configuration is invalid: %w", err)
	}

	if dir := filepath.Dir(initOutput); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(initOutput, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration saved to: %s\n", initOutput)
	fmt.Fprintf(out, "\nNext steps:\n")
	fmt.Fprintf(out, "  1. Review the rules in %s\n", initOutput)
	fmt.Fprintf(out, "  2. Check a stored message: rename-milter test -c %s message.eml\n", initOutput)
	fmt.Fprintf(out, "  3. Add the socket to smtpd_milters in Postfix main.cf\n")
	fmt.Fprintf(out, "  4. Start: rename-milter serve -c %s\n", initOutput)

	return nil
}

// parseRuleFlags turns "Name" and "Name=pattern" into a rule map.
// A bare name matches every value.
func parseRuleFlags(flags []string) (map[string]*string, error) {
	if len(flags) == 0 {
		yes := "^YES$"
		return map[string]*string{
			"X-Spam-Flag":   &yes,
			"X-Spam-Status": nil,
		}, nil
	}

	rules := make(map[string]*string, len(flags))
	for _, f := range flags {
		name, pattern, hasPattern := strings.Cut(f, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("invalid rule %q: empty header name", f)
		}
		if hasPattern {
			p := pattern
			rules[name] = &p
		} else {
			rules[name] = nil
		}
	}
	return rules, nil
}

func generateConfig(rules map[string]*string) string {
	names := make([]string, 0, len(rules))
	for name := range rules {
		names = append(names, name)
	}
	sort.Strings(names)

	var ruleLines strings.Builder
	for _, name := range names {
		if p := rules[name]; p != nil {
			fmt.Fprintf(&ruleLines, "    %s: %q\n", name, *p)
		} else {
			fmt.Fprintf(&ruleLines, "    %s: ~\n", name)
		}
	}

	return fmt.Sprintf(`# rename-milter configuration
# Generated by: rename-milter init

milter:
  # unix:/path, inet:port@host, inet6:port@host or tcp:host:port
  socket: %q
  umask: "002"
  timeout: 600s
  # Restrict inet sockets to these peers, empty allows all
  allowed_ips: []

rename:
  # Headers above the first marker were added by this hop and are left alone
  marker: "Received"
  prefix: "X-Original-"
  # Skip messages that carry no marker at all
  require_marker: false
  # Header name -> pattern matched case-insensitively against the start of the value.
  # ~ renames every occurrence.
  rules:
%s
logging:
  level: info       # debug, info, notice, warn, error
  format: text      # text, json
  output: syslog    # stdout, stderr, syslog or a file path
  facility: mail

metrics:
  enabled: %t
  listen_addr: "127.0.0.1:9090"
  path: "/metrics"
  flush_interval: 10s
  allowed_ips: []

storage:
  # Counters survive restarts; remove to disable persistence
  path: %q
`, initSocket, ruleLines.String(), initMetrics, filepath.Join(initDataDir, "stats.db"))
}
