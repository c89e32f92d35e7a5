// Package plugins hosts reference plugin packages built on core.Plugin. It
// contains no runtime code itself; the architecture test alongside it keeps
// plugin packages away from the storage backends.
package plugins
