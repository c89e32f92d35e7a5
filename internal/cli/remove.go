package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"polygene/pkg/entity"
)

// RemoveResult reports a completed removal.
type RemoveResult struct {
	Identity string `json:"identity"`
	Removed  bool   `json:"removed"`
}

// NewRemoveCommand creates the remove command.
func NewRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <identity>",
		Short: "Remove one entity",
		Long: `Remove one entity in its own unit of work. The removal is checked
against the stored version, so a concurrent writer makes it fail.

Examples:
  entitystore remove ada --type Person`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemove(cmd, rootOpts, entity.Identity(args[0]))
		},
	}
}

func runRemove(cmd *cobra.Command, opts *RootOptions, id entity.Identity) error {
	s, err := opts.open(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	uow := s.factory.NewUnitOfWork(ctx, "entitystore remove")
	if err := uow.Remove(ctx, id); err != nil {
		_ = uow.Discard()
		return WrapExitError(lookupExitCode(err), "remove "+string(id), err)
	}
	if err := uow.Complete(ctx); err != nil {
		return WrapExitError(ExitFailure, "remove "+string(id), err)
	}
	s.logger.Info("entity removed", "identity", string(id), "unit_of_work", uow.ID())

	result := RemoveResult{Identity: string(id), Removed: true}
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	return out.Success(result, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "removed %s\n", id)
		return err
	})
}
