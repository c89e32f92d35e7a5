package cli

import (
	"github.com/spf13/cobra"

	"polygene/pkg/entity"
)

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <identity>",
		Short: "Show one entity",
		Long: `Load one entity through a unit of work and print its properties and
associations. The unit of work is discarded afterwards.

Examples:
  entitystore get ada --type Person
  entitystore get ada --type Person --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(cmd, rootOpts, entity.Identity(args[0]))
		},
	}
}

func runGet(cmd *cobra.Command, opts *RootOptions, id entity.Identity) error {
	s, err := opts.open(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	uow := s.factory.NewUnitOfWork(ctx, "entitystore get")
	defer uow.Discard()
	st, err := uow.Get(ctx, id)
	if err != nil {
		return WrapExitError(lookupExitCode(err), "get "+string(id), err)
	}
	view := newEntityView(st)
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	return out.Success(view, view.writeText)
}
