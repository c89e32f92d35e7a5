package main

import (
	"testing"

	"polygene/internal/cli"
)

func TestRunExitCodes(t *testing.T) {
	t.Setenv("POLYGENE_STORAGE_DRIVER", "memory")
	tests := []struct {
		name string
		args []string
		want int
	}{
		{"count empty store", []string{"count", "--type", "Person"}, cli.ExitSuccess},
		{"missing type", []string{"list"}, cli.ExitCommandError},
		{"unknown entity", []string{"get", "ada", "--type", "Person"}, cli.ExitCommandError},
		{"unknown command", []string{"frobnicate"}, cli.ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := run(tt.args); got != tt.want {
				t.Fatalf("run(%v) = %d, want %d", tt.args, got, tt.want)
			}
		})
	}
}
