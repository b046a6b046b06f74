package pipeline

import (
	"context"
	"log/slog"

	"github.com/couchcryptid/acs-housing-etl/internal/domain"
)

// MetricTransformer implements Transformer by pivoting an extract into a wide
// table and deriving every configured metric from it.
type MetricTransformer struct {
	metrics []domain.MetricDef
	logger  *slog.Logger
}

// NewTransformer creates a MetricTransformer for the given metric definitions.
func NewTransformer(metrics []domain.MetricDef, logger *slog.Logger) *MetricTransformer {
	return &MetricTransformer{metrics: metrics, logger: logger}
}

func (t *MetricTransformer) Transform(_ context.Context, ext domain.Extract) (domain.Batch, error) {
	table := domain.Pivot(ext.Observations)
	values := domain.Derive(table, ext.Job.Dataset, t.metrics)

	t.logger.Debug("derived metrics",
		"job", ext.Job.Name,
		"rows", table.Len(),
		"metrics", len(values),
	)
	return domain.Batch{
		Job:          ext.Job,
		Observations: ext.Observations,
		Variables:    ext.Variables,
		Metrics:      values,
	}, nil
}
