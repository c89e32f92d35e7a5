// Package cli implements the entitystore command line: read-only inspection
// and removal of entities held by any configured storage backend.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"polygene/internal/core"
	"polygene/internal/serialization"
	"polygene/internal/unitofwork"
	"polygene/pkg/entity"
	"polygene/pkg/observe"
)

// Version is reported by --version and recorded as the module version of
// entities the CLI writes.
var Version = "dev"

// StoreOpener opens the entity store commands operate on.
type StoreOpener func(ctx context.Context, logger observe.Logger) (entity.StoreSPI, io.Closer, error)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string   // "json" | "text"
	Types   []string // entity type names the store may contain
	Metrics bool     // print Prometheus metrics to stderr after the command
	Trace   string   // "none" | "json" | "otel"

	// Open overrides how the store is opened. Nil reads StorageConfig from
	// the environment.
	Open StoreOpener
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the entitystore CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "entitystore",
		Short:         "Inspect entities in a configured store",
		Long:          "Inspect and remove entities held by the storage backend selected with POLYGENE_STORAGE_DRIVER.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if !slices.Contains(ValidTraces, opts.Trace) {
				return fmt.Errorf("invalid trace exporter %q: must be one of %v", opts.Trace, ValidTraces)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringSliceVarP(&opts.Types, "type", "t", nil, "entity type stored in the backend (repeatable)")
	cmd.PersistentFlags().BoolVar(&opts.Metrics, "metrics", false, "print unit-of-work metrics in Prometheus text format to stderr")
	cmd.PersistentFlags().StringVar(&opts.Trace, "trace", "none", "trace exporter writing spans to stderr (none|json|otel)")

	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewRemoveCommand(opts))
	cmd.AddCommand(NewCountCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

// session is one opened store plus the untyped module built from --type.
type session struct {
	store   entity.StoreSPI
	closer  io.Closer
	module  *entity.Module
	factory *unitofwork.Factory
	logger  observe.Logger
	tel     *telemetry
}

func (o *RootOptions) logger(cmd *cobra.Command) observe.Logger {
	level := slog.LevelWarn
	if o.Verbose {
		level = slog.LevelDebug
	}
	return core.NewSlogLogger(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
}

// module declares every --type as a descriptor without properties, so every
// stored property decodes as KindValue.
func (o *RootOptions) module() (*entity.Module, error) {
	var descriptors []entity.Descriptor
	seen := make(map[string]struct{})
	for _, name := range o.Types {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		descriptors = append(descriptors, entity.Descriptor{Type: name})
	}
	if len(descriptors) == 0 {
		return nil, fmt.Errorf("at least one --type is required")
	}
	return entity.NewModule("entitystore", Version, descriptors...)
}

func (o *RootOptions) open(cmd *cobra.Command) (*session, error) {
	module, err := o.module()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid entity types", err)
	}
	logger := o.logger(cmd)
	tel, err := newTelemetry(o, cmd.ErrOrStderr())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "configure telemetry", err)
	}
	opener := o.Open
	if opener == nil {
		opener = openFromEnv
	}
	store, closer, err := opener(cmd.Context(), logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open entity store", err)
	}
	factoryOpts := append([]unitofwork.Option{unitofwork.WithLogger(logger)}, tel.opts...)
	return &session{
		store:   store,
		closer:  closer,
		module:  module,
		factory: unitofwork.NewFactory(store, module, factoryOpts...),
		logger:  logger,
		tel:     tel,
	}, nil
}

// Close flushes telemetry, then closes the store.
func (s *session) Close() error {
	var errs []error
	if s.tel != nil {
		errs = append(errs, s.tel.flush(context.Background()))
	}
	if s.closer != nil {
		errs = append(errs, s.closer.Close())
	}
	return errors.Join(errs...)
}

func openFromEnv(ctx context.Context, logger observe.Logger) (entity.StoreSPI, io.Closer, error) {
	cfg, err := core.LoadStorageConfig()
	if err != nil {
		return nil, nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return core.OpenEntityStore(ctx, cfg, serialization.JSON{}, logger)
}

// forEach walks every stored entity in enumeration order.
func (s *session) forEach(ctx context.Context, fn func(*entity.State) error) error {
	it, err := s.store.EntityStates(ctx, s.module)
	if err != nil {
		return err
	}
	defer it.Close()
	for it.Next() {
		if err := fn(it.State()); err != nil {
			return err
		}
	}
	return it.Err()
}
