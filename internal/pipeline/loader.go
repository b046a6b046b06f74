package pipeline

import (
	"context"
	"errors"

	"github.com/couchcryptid/acs-housing-etl/internal/domain"
)

// MultiLoader loads a batch into every wrapped loader in order. All loaders
// are attempted; their errors are joined.
type MultiLoader []Loader

func (m MultiLoader) Load(ctx context.Context, batch domain.Batch) error {
	var errs []error
	for _, l := range m {
		if err := l.Load(ctx, batch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
