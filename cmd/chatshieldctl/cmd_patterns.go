package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mbd888/chatshield/internal/patterns"
)

// defaultSetArg selects the embedded pattern set.
const defaultSetArg = "-"

func newPatternsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patterns",
		Short: "Validate and test pattern set files",
	}

	validate := &cobra.Command{
		Use:   "validate <file>",
		Short: "Compile a pattern file and report its contents",
		Args:  cobra.ExactArgs(1),
		RunE:  runPatternsValidate,
	}

	scan := &cobra.Command{
		Use:   "scan <file> <text>",
		Short: "Match text against a pattern file (use - for the built-in set)",
		Args:  cobra.ExactArgs(2),
		RunE:  runPatternsScan,
	}
	scan.Flags().Bool("json", false, "print matches as JSON")

	cmd.AddCommand(validate, scan)
	return cmd
}

func loadMatcher(arg string) (*patterns.Matcher, error) {
	if arg == defaultSetArg {
		arg = ""
	}
	return patterns.Load(arg)
}

func runPatternsValidate(cmd *cobra.Command, args []string) error {
	m, err := loadMatcher(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "OK %s\n", args[0])
	fmt.Fprintf(out, "Version:    %s\n", m.Version())
	fmt.Fprintf(out, "Patterns:   %d\n", m.Len())
	cats := make([]string, 0)
	for _, c := range m.Categories() {
		cats = append(cats, string(c))
	}
	fmt.Fprintf(out, "Categories: %s\n", strings.Join(cats, ", "))
	return nil
}

func runPatternsScan(cmd *cobra.Command, args []string) error {
	m, err := loadMatcher(args[0])
	if err != nil {
		return err
	}

	matches := m.Match(args[1])
	severity := patterns.Severity(matches)
	out := cmd.OutOrStdout()

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		if matches == nil {
			matches = []patterns.Match{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Version  string           `json:"version"`
			Severity int              `json:"severity"`
			Matches  []patterns.Match `json:"matches"`
		}{m.Version(), severity, matches})
	}

	if len(matches) == 0 {
		fmt.Fprintf(out, "No matches (pattern set %s)\n", m.Version())
		return nil
	}
	fmt.Fprintf(out, "Severity %d (pattern set %s)\n", severity, m.Version())
	for _, match := range matches {
		fmt.Fprintf(out, "  %-28s %-20s weight %d\n", match.PatternID, match.Category, match.Weight)
	}
	return nil
}
