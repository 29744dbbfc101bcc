// Package validate implements "wonder validate".
package validate

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wonderhq/wonder/internal/commands/shared"
	"github.com/wonderhq/wonder/pkg/workflow"
)

// NewCommand creates the validate command.
func NewCommand() *cobra.Command {
	var useJSON bool

	cmd := &cobra.Command{
		Use:   "validate <workflow.yaml>",
		Short: "Validate a workflow definition",
		Long: `Validate parses a workflow definition file and checks its graph:
node and transition references, mapping paths, conditions, fan-out and
fan-in shapes. It does not resolve shared task or action references.`,
		Example: `  # Validate a definition
  wonder validate workflow.yaml

  # Machine-readable result
  wonder validate workflow.yaml --json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, args[0], useJSON)
		},
	}
	cmd.Flags().BoolVar(&useJSON, "json", false, "Emit the result as JSON")
	return cmd
}

type result struct {
	Valid     bool   `json:"valid"`
	Reference string `json:"reference,omitempty"`
	Version   string `json:"version,omitempty"`
	Nodes     int    `json:"nodes,omitempty"`
	Error     string `json:"error,omitempty"`
}

func runValidate(cmd *cobra.Command, path string, useJSON bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return shared.Failf(shared.ExitUsage, "failed to read %s: %v", path, err)
	}
	def, err := workflow.ParseDefinition(data)
	if err != nil {
		return report(cmd, result{Valid: false, Error: err.Error()}, useJSON)
	}
	if _, err := workflow.Validate(def); err != nil {
		return report(cmd, result{
			Valid:     false,
			Reference: def.Reference,
			Version:   def.Version,
			Error:     err.Error(),
		}, useJSON)
	}
	return report(cmd, result{
		Valid:     true,
		Reference: def.Reference,
		Version:   def.Version,
		Nodes:     len(def.Nodes),
	}, useJSON)
}

func report(cmd *cobra.Command, r result, useJSON bool) error {
	out := cmd.OutOrStdout()
	if useJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		enc.Encode(r)
	} else if r.Valid {
		fmt.Fprintf(out, "%s@%s: valid (%d nodes)\n", r.Reference, r.Version, r.Nodes)
	} else {
		fmt.Fprintf(out, "invalid: %s\n", r.Error)
	}
	if !r.Valid {
		return &shared.ExitError{Code: shared.ExitFailed}
	}
	return nil
}
