// Package report delivers formatted series points to sinks and summarizes them.
package report

import (
	"context"

	"github.com/hashicorp/go-multierror"

	"github.com/perfgo/raptor/model"
)

// Reporter delivers the series produced by one successful run
type Reporter interface {
	Report(ctx context.Context, series model.Series) error
}

// Func adapts a function into a Reporter
type Func func(ctx context.Context, series model.Series) error

// Report implements Reporter
func (f Func) Report(ctx context.Context, series model.Series) error {
	return f(ctx, series)
}

// Discard drops all series
type Discard struct{}

// Report implements Reporter
func (Discard) Report(context.Context, model.Series) error {
	return nil
}

// Multi reports to every sink, even if an earlier one fails
type Multi []Reporter

// Report implements Reporter
func (m Multi) Report(ctx context.Context, series model.Series) error {
	var result *multierror.Error
	for _, r := range m {
		if err := r.Report(ctx, series); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
