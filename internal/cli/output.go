package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"polygene/pkg/entity"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Store or commit failure
	ExitCommandError = 2 // Bad arguments, unknown entity, unreachable store
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error. Errors that are not an
// ExitError map to ExitFailure.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// lookupExitCode classifies store errors for a single-entity command.
func lookupExitCode(err error) int {
	if errors.Is(err, entity.ErrNoSuchEntity) || errors.Is(err, entity.ErrNoSuchEntityType) {
		return ExitCommandError
	}
	return ExitFailure
}

// CLIResponse is the JSON envelope of every command.
type CLIResponse struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// Success writes data as a JSON envelope, or calls text for text output.
func (f *OutputFormatter) Success(data any, text func(io.Writer) error) error {
	if f.Format == "json" {
		enc := json.NewEncoder(f.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(CLIResponse{Status: "ok", Data: data})
	}
	return text(f.Writer)
}

// EntityView is the printable form of a stored entity.
type EntityView struct {
	Identity          string                       `json:"identity"`
	Type              string                       `json:"type"`
	Version           string                       `json:"version"`
	Modified          time.Time                    `json:"modified"`
	Properties        map[string]any               `json:"properties,omitempty"`
	Associations      map[string]string            `json:"associations,omitempty"`
	ManyAssociations  map[string][]string          `json:"manyassociations,omitempty"`
	NamedAssociations map[string]map[string]string `json:"namedassociations,omitempty"`
}

func newEntityView(s *entity.State) EntityView {
	snap := s.Snapshot()
	v := EntityView{
		Identity: string(snap.Identity),
		Type:     snap.Type,
		Version:  string(snap.Version),
		Modified: snap.LastModified.UTC(),
	}
	if len(snap.Properties) > 0 {
		v.Properties = snap.Properties
	}
	for name, id := range snap.Associations {
		if v.Associations == nil {
			v.Associations = make(map[string]string)
		}
		v.Associations[name] = string(id)
	}
	for name, ids := range snap.ManyAssociations {
		if v.ManyAssociations == nil {
			v.ManyAssociations = make(map[string][]string)
		}
		out := make([]string, len(ids))
		for i, id := range ids {
			out[i] = string(id)
		}
		v.ManyAssociations[name] = out
	}
	for name, refs := range snap.NamedAssociations {
		if v.NamedAssociations == nil {
			v.NamedAssociations = make(map[string]map[string]string)
		}
		m := make(map[string]string, len(refs))
		for _, ref := range refs {
			m[ref.Name] = string(ref.Identity)
		}
		v.NamedAssociations[name] = m
	}
	return v
}

// summaryLine is the one-line text form used by list.
func (v EntityView) summaryLine() string {
	return fmt.Sprintf("%s\t%s\t%s\t%s", v.Identity, v.Type, v.Version, v.Modified.Format(time.RFC3339Nano))
}

func (v EntityView) writeText(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "identity: %s\n", v.Identity)
	fmt.Fprintf(&b, "type: %s\n", v.Type)
	fmt.Fprintf(&b, "version: %s\n", v.Version)
	fmt.Fprintf(&b, "modified: %s\n", v.Modified.Format(time.RFC3339Nano))
	for _, name := range sortedKeys(v.Properties) {
		raw, err := json.Marshal(v.Properties[name])
		if err != nil {
			return fmt.Errorf("format property %s: %w", name, err)
		}
		fmt.Fprintf(&b, "property %s: %s\n", name, raw)
	}
	for _, name := range sortedKeys(v.Associations) {
		fmt.Fprintf(&b, "association %s: %s\n", name, v.Associations[name])
	}
	for _, name := range sortedKeys(v.ManyAssociations) {
		fmt.Fprintf(&b, "manyassociation %s: %s\n", name, strings.Join(v.ManyAssociations[name], ","))
	}
	for _, name := range sortedKeys(v.NamedAssociations) {
		refs := v.NamedAssociations[name]
		pairs := make([]string, 0, len(refs))
		for _, key := range sortedKeys(refs) {
			pairs = append(pairs, key+"="+refs[key])
		}
		fmt.Fprintf(&b, "namedassociation %s: %s\n", name, strings.Join(pairs, ","))
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
