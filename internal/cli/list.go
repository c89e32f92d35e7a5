package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"polygene/pkg/entity"
)

var errLimitReached = errors.New("limit reached")

// ListOptions holds flags for the list command.
type ListOptions struct {
	*RootOptions
	Only  string
	Limit int
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored entities",
		Long: `List every entity in the configured store, one per line:
identity, type, version and last modification time.

Examples:
  entitystore list --type Person --type Pet
  entitystore list --type Person --only Person --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Only, "only", "", "only list entities of this type")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "stop after this many entities (0 = all)")

	return cmd
}

func runList(cmd *cobra.Command, opts *ListOptions) error {
	if opts.Limit < 0 {
		return WrapExitError(ExitCommandError, "invalid --limit", fmt.Errorf("must not be negative, got %d", opts.Limit))
	}
	s, err := opts.open(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	views := []EntityView{}
	err = s.forEach(cmd.Context(), func(st *entity.State) error {
		if opts.Only != "" && st.Type() != opts.Only {
			return nil
		}
		views = append(views, newEntityView(st))
		if opts.Limit > 0 && len(views) >= opts.Limit {
			return errLimitReached
		}
		return nil
	})
	if err != nil && !errors.Is(err, errLimitReached) {
		return WrapExitError(ExitFailure, "list entities", err)
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	return out.Success(views, func(w io.Writer) error {
		for _, v := range views {
			if _, err := fmt.Fprintln(w, v.summaryLine()); err != nil {
				return err
			}
		}
		return nil
	})
}
