package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/acs-housing-etl/internal/config"
	"github.com/couchcryptid/acs-housing-etl/internal/domain"
	"github.com/couchcryptid/acs-housing-etl/internal/observability"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Writer publishes derived metric values to a Kafka topic.
// It implements pipeline.Loader.
type Writer struct {
	writer  messageWriter
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewWriter creates a Kafka producer for the configured metrics topic.
func NewWriter(cfg *config.Config, metrics *observability.Metrics, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, metrics: metrics, logger: logger}
}

// Load publishes every metric value of the batch in a single WriteMessages
// call. Keys hash to a stable partition per dataset, year, entity and metric.
func (w *Writer) Load(ctx context.Context, batch domain.Batch) error {
	if len(batch.Metrics) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(batch.Metrics))
	for i := range batch.Metrics {
		msg, err := serializeToMessage(batch.Metrics[i], batch.RunID, batch.HarvestedAt)
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	if err := w.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %s metrics: %w", batch.Job.Name, err)
	}
	w.metrics.MetricsPublished.Add(float64(len(msgs)))
	w.logger.Info("published metric values", "job", batch.Job.Name, "run_id", batch.RunID, "count", len(msgs))
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// metricMessage is the JSON value of a published metric.
type metricMessage struct {
	Dataset     domain.Dataset `json:"dataset"`
	Year        int            `json:"year"`
	Level       domain.Level   `json:"level"`
	GeoID       string         `json:"geo_id"`
	Name        string         `json:"name"`
	Metric      string         `json:"metric"`
	Value       float64        `json:"value"`
	RunID       string         `json:"run_id"`
	HarvestedAt time.Time      `json:"harvested_at"`
}

// MessageKey is the partition key of a metric value.
func MessageKey(v domain.MetricValue) string {
	return string(v.Dataset) + "|" + strconv.Itoa(v.Year) + "|" + v.Entity.GeoID + "|" + v.MetricID
}

// serializeToMessage marshals a MetricValue into a Kafka message.
func serializeToMessage(v domain.MetricValue, runID string, harvestedAt time.Time) (kafkago.Message, error) {
	data, err := json.Marshal(metricMessage{
		Dataset:     v.Dataset,
		Year:        v.Year,
		Level:       v.Entity.Level,
		GeoID:       v.Entity.GeoID,
		Name:        v.Entity.Name,
		Metric:      v.MetricID,
		Value:       v.Value,
		RunID:       runID,
		HarvestedAt: harvestedAt.UTC(),
	})
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize metric value %s: %w", v.MetricID, err)
	}
	return kafkago.Message{
		Key:   []byte(MessageKey(v)),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "metric", Value: []byte(v.MetricID)},
			{Key: "dataset", Value: []byte(v.Dataset)},
			{Key: "harvested_at", Value: []byte(harvestedAt.UTC().Format(time.RFC3339))},
		},
	}, nil
}
