// Package environment holds the shared, run scoped services every element
// reads from: variables, output, settings, the logger, timers and the run
// lock that serializes entry from other goroutines.
package environment

import (
	"log/slog"
	"maps"
	"sync"

	"github.com/petal-labs/procflow/core"
)

// DefaultPrefetch bounds the number of unacked child messages the process
// controller holds.
const DefaultPrefetch = 1000

// Settings tunes engine behaviour for one run.
type Settings struct {
	// Prefetch bounds in-flight child messages per controller (default: 1000).
	Prefetch int `json:"prefetch,omitempty" yaml:"prefetch,omitempty"`

	// Strict makes unresolved expressions an error instead of resolving to nil.
	Strict bool `json:"strict,omitempty" yaml:"strict,omitempty"`
}

// Options configures a new Environment.
type Options struct {
	Variables map[string]any
	Settings  Settings
	Logger    *slog.Logger
}

// State is the serializable part of an environment.
type State struct {
	Variables map[string]any `json:"variables,omitempty"`
	Output    map[string]any `json:"output,omitempty"`
	Settings  Settings       `json:"settings"`
}

// Environment is shared by every element of a run.
//
// Variables and output are only mutated by code holding the run lock, which
// is every broker delivery. External callers go through Exec.
type Environment struct {
	mu        sync.Mutex
	variables map[string]any
	output    map[string]any
	settings  Settings
	logger    *slog.Logger
	timers    *Timers
}

// New creates an environment.
func New(opts Options) *Environment {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	settings := opts.Settings
	if settings.Prefetch <= 0 {
		settings.Prefetch = DefaultPrefetch
	}
	variables := core.CloneMap(opts.Variables)
	if variables == nil {
		variables = make(map[string]any)
	}
	e := &Environment{
		variables: variables,
		output:    make(map[string]any),
		settings:  settings,
		logger:    logger,
	}
	e.timers = newTimers(e)
	return e
}

// Exec runs fn holding the run lock. It must not be called from code that
// already runs under the lock, such as a broker handler.
func (e *Environment) Exec(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn()
}

// Logger returns the run logger.
func (e *Environment) Logger() *slog.Logger {
	return e.logger
}

// Settings returns the run settings.
func (e *Environment) Settings() Settings {
	return e.settings
}

// Timers returns the run timer registry.
func (e *Environment) Timers() *Timers {
	return e.timers
}

// Variables returns the live variables map.
func (e *Environment) Variables() map[string]any {
	return e.variables
}

// SetVariable sets one variable.
func (e *Environment) SetVariable(name string, value any) {
	e.variables[name] = value
}

// AssignVariables merges vars into the variables map.
func (e *Environment) AssignVariables(vars map[string]any) {
	maps.Copy(e.variables, vars)
}

// Output returns the live output map.
func (e *Environment) Output() map[string]any {
	return e.output
}

// SetOutput sets one output value.
func (e *Environment) SetOutput(name string, value any) {
	e.output[name] = value
}

// GetState snapshots variables, output and settings.
func (e *Environment) GetState() State {
	return State{
		Variables: core.CloneMap(e.variables),
		Output:    core.CloneMap(e.output),
		Settings:  e.settings,
	}
}

// Recover restores a snapshot taken with GetState.
func (e *Environment) Recover(state State) {
	if state.Variables != nil {
		e.variables = core.CloneMap(state.Variables)
	}
	if state.Output != nil {
		e.output = core.CloneMap(state.Output)
	}
	if state.Settings.Prefetch > 0 {
		e.settings = state.Settings
	}
}
