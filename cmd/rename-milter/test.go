package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/foxzi/rename-milter/internal/headers"
	"github.com/foxzi/rename-milter/internal/session"
)

var (
	testFull    bool
	testVerbose bool
)

var testCmd = &cobra.Command{
	Use:   "test MESSAGE.eml",
	Short: "Dry run: show which headers a message would have renamed",
	Long: `Feed the headers of a stored message through the relocation rules and print
the header changes the milter would request, followed by the rewritten header block.

Use "-" to read the message from stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: runTest,
}

func init() {
	testCmd.Flags().BoolVar(&testFull, "full", false, "Print the whole rewritten message instead of the header block")
	testCmd.Flags().BoolVarP(&testVerbose, "verbose", "v", false, "Log session events to stderr")

	rootCmd.AddCommand(testCmd)
}

func runTest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var data []byte
	if args[0] == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("failed to read message: %w", err)
	}

	var logger *slog.Logger
	if testVerbose {
		logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	return dryRun(cmd.OutOrStdout(), cfg.Relocation(), data, testFull, logger)
}

// dryRun replays the message headers through a session and applies the
// resulting ops locally, the way the MTA would.
func dryRun(w io.Writer, settings *headers.Settings, data []byte, full bool, logger *slog.Logger) error {
	rawHeader, body := headers.SplitMessage(data)
	fields := headers.ParseFields(rawHeader)

	s := session.New(settings, logger)
	s.Connect("dry-run")
	for _, f := range fields {
		s.Header(f.Name, f.Value)
	}
	boundary := s.Boundary()
	_, ops, summaries := s.EndOfMessage()
	s.Close()

	if boundary > 0 {
		fmt.Fprintf(w, "Marker %q found at header %d of %d\n", settings.Marker, boundary, len(fields))
	} else {
		fmt.Fprintf(w, "Marker %q not found, %d headers\n", settings.Marker, len(fields))
	}

	fmt.Fprintf(w, "\nRules:\n")
	for _, sum := range summaries {
		fmt.Fprintf(w, "  %-30s %d renamed\n", sum.Rule, sum.Count)
	}

	fmt.Fprintf(w, "\nChanges:\n")
	if len(ops) == 0 {
		fmt.Fprintf(w, "  (none)\n")
	}
	for _, op := range ops {
		fmt.Fprintf(w, "  %s\n", op)
	}

	rewritten, err := headers.Apply(fields, ops)
	if err != nil {
		return fmt.Errorf("failed to apply changes: %w", err)
	}

	fmt.Fprintf(w, "\n")
	if full {
		_, err = w.Write(headers.BuildMessage(rewritten, body))
	} else {
		_, err = w.Write(headers.BuildHeader(rewritten))
	}
	return err
}
