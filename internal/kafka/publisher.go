package kafka

import (
	"context"
	"time"

	"github.com/ariefcatur/go-stock-reservations/internal/metrics"
	"github.com/ariefcatur/go-stock-reservations/internal/stock"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/trace"
)

// StockPublisher emits StockChanged envelopes for the notification layer.
type StockPublisher struct {
	Producer    *Producer
	ServiceName string
	Metrics     *metrics.Metrics
}

func (p *StockPublisher) StockChanged(ctx context.Context, s stock.Snapshot) {
	key := s.Key()
	ev := stock.Envelope{
		EventID:       uuid.NewString(),
		EventType:     stock.EventStockChanged,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      p.ServiceName,
		CorrelationID: key.String(),
		Payload: MustMarshal(stock.StockChangedPayload{
			ProductID:      s.ProductID,
			VariationID:    s.VariationID,
			AvailableStock: s.AvailableStock,
			TotalStock:     s.TotalStock,
			ReservedStock:  s.ReservedStock,
		}),
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		ev.TraceID = sc.TraceID().String()
	}
	ok := p.Producer.Publish(stock.PartitionKey(key), MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(stock.EventStockChanged)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
	if ok {
		p.Metrics.ObservePublish("queued")
	} else {
		p.Metrics.ObservePublish("dropped")
	}
}
