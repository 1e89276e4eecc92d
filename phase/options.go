package phase

import (
	"time"

	"github.com/samber/lo"

	"github.com/perfgo/raptor/raptorerrors"
)

// Kind selects a concrete phase
type Kind string

const (
	KindMarionette Kind = "marionette"
	KindReboot     Kind = "reboot"
)

// Kinds returns every known phase kind
func Kinds() []Kind {
	return []Kind{KindMarionette, KindReboot}
}

// MarkKey names a well-known mark in Options.Marks
type MarkKey string

const (
	// MarkStart is the synthetic mark written before a run starts
	MarkStart MarkKey = "start"
	// MarkEnd is the entry name that ends a run
	MarkEnd MarkKey = "end"
)

var markKeys = []MarkKey{MarkStart, MarkEnd}

// Options configures a phase
type Options struct {
	// Runs is the number of successful runs to collect
	Runs int
	// Timeout bounds the wait for a run's end condition
	Timeout time.Duration
	// Retries is the number of re-attempts allowed per run index
	Retries int
	// PreventDispatching defers device acquisition to the phase's setup
	PreventDispatching bool
	// Marks holds the well-known mark names
	Marks map[MarkKey]string
	// Time identifies the test batch, it is copied into every point
	Time time.Time
	// App is the target under test, empty when running without targets
	App string
	// Emulator is set when the device is an emulator
	Emulator bool
	// Tags are environment descriptors merged into every point
	Tags map[string]string
}

// DefaultOptions returns the options used when nothing is configured
func DefaultOptions() Options {
	return Options{
		Runs:    1,
		Timeout: 60 * time.Second,
		Retries: 1,
		Marks:   map[MarkKey]string{},
		Tags:    map[string]string{},
	}
}

// WithApp returns a copy of o targeting app
func (o Options) WithApp(app string) Options {
	c := o
	c.App = app
	c.Marks = lo.Assign(o.Marks)
	c.Tags = lo.Assign(o.Tags)
	return c
}

// Mark returns the configured mark for key, or fallback if none is set
func (o Options) Mark(key MarkKey, fallback string) string {
	if name := o.Marks[key]; name != "" {
		return name
	}
	return fallback
}

// Validate checks the options shared by every phase
func (o Options) Validate() error {
	if o.Runs < 1 {
		return &raptorerrors.ErrConfiguration{Name: "runs", Value: o.Runs, Message: "at least one run is required"}
	}
	if o.Timeout <= 0 {
		return &raptorerrors.ErrConfiguration{Name: "timeout", Value: o.Timeout, Message: "must be positive"}
	}
	if o.Retries < 0 {
		return &raptorerrors.ErrConfiguration{Name: "retries", Value: o.Retries, Message: "must not be negative"}
	}
	for key, name := range o.Marks {
		if !lo.Contains(markKeys, key) {
			return &raptorerrors.ErrConfiguration{Name: "marks." + string(key), Message: "unknown mark"}
		}
		if name == "" {
			return &raptorerrors.ErrConfiguration{Name: "marks." + string(key), Message: "mark name is empty"}
		}
	}
	return nil
}
