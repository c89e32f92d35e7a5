package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"polygene/pkg/entity"
)

// CountResult is the output of the count command.
type CountResult struct {
	Total  int            `json:"total"`
	ByType map[string]int `json:"by_type"`
}

// NewCountCommand creates the count command.
func NewCountCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Count stored entities",
		Long: `Count every entity in the configured store, in total and per type.

Examples:
  entitystore count --type Person --type Pet`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCount(cmd, rootOpts)
		},
	}
}

func runCount(cmd *cobra.Command, opts *RootOptions) error {
	s, err := opts.open(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	result := CountResult{ByType: make(map[string]int)}
	err = s.forEach(cmd.Context(), func(st *entity.State) error {
		result.Total++
		result.ByType[st.Type()]++
		return nil
	})
	if err != nil {
		return WrapExitError(ExitFailure, "count entities", err)
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	return out.Success(result, func(w io.Writer) error {
		if _, err := fmt.Fprintf(w, "total: %d\n", result.Total); err != nil {
			return err
		}
		for _, name := range sortedKeys(result.ByType) {
			if _, err := fmt.Fprintf(w, "%s: %d\n", name, result.ByType[name]); err != nil {
				return err
			}
		}
		return nil
	})
}
