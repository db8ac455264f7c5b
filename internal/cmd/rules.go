package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Studio-Elephant-and-Rope/steward/internal/detection"
)

// rulesCmd groups the detection rule commands.
var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Detection rule tooling",
}

// rulesValidateCmd checks a rule file the same way serve loads it.
var rulesValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a detection rule file",
	Long: `Parse a detection rule file and report every rule it defines.

The file is checked exactly as the server loads it: unknown keys are
rejected, every numeric threshold must carry a justification, and rule
versions must be semantic versions. Use it in CI before deploying rules.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rules, err := detection.LoadRulesFromFile(args[0])
		if err != nil {
			return fmt.Errorf("%s is invalid: %w", args[0], err)
		}
		return printRules(cmd.OutOrStdout(), args[0], rules)
	},
}

// printRules lists the rules of a valid file.
func printRules(w io.Writer, file string, rules *detection.Ruleset) error {
	fmt.Fprintf(w, "%s: %d rule(s) valid\n", file, rules.Len())
	if rules.Len() == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tVERSION\tENABLED\tNAME")
	for _, r := range rules.Rules() {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", r.ID(), r.Version(), r.Enabled(), r.Name())
	}
	return tw.Flush()
}

// init registers the rules command and its subcommands.
func init() {
	rulesCmd.AddCommand(rulesValidateCmd)
	rootCmd.AddCommand(rulesCmd)
}
