// Package metrics exposes Prometheus counters for the message bus's typed
// topics, so an operator can watch mutation throughput, transform
// failures, and signature rejections without instrumenting each component
// individually.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/datafold/datafold-core/pkg/bus"
)

// Collector subscribes to a Bus and maintains Prometheus counters per
// topic. Call Start to begin draining events in a background
// goroutine; Stop unsubscribes.
type Collector struct {
	fieldChanged      *prometheus.CounterVec
	schemaChanged     *prometheus.CounterVec
	transformFailed   prometheus.Counter
	signatureVerified prometheus.Counter
	signatureRejected *prometheus.CounterVec
	eventsDropped     *prometheus.CounterVec

	b    *bus.Bus
	sub  *bus.Subscription
	done chan struct{}
}

// NewCollector registers the counters against reg (use
// prometheus.DefaultRegisterer for the global registry) and subscribes to b.
func NewCollector(reg prometheus.Registerer, b *bus.Bus) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		fieldChanged: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "datafold_field_changed_total",
			Help: "Count of FieldChanged events published, by schema and field.",
		}, []string{"schema", "field"}),
		schemaChanged: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "datafold_schema_changed_total",
			Help: "Count of SchemaChanged events published, by new state.",
		}, []string{"state"}),
		transformFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "datafold_transform_failed_total",
			Help: "Count of TransformFailed events published.",
		}),
		signatureVerified: factory.NewCounter(prometheus.CounterOpts{
			Name: "datafold_signature_verified_total",
			Help: "Count of successfully verified signed requests.",
		}),
		signatureRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "datafold_signature_rejected_total",
			Help: "Count of rejected signed requests, by reject reason.",
		}, []string{"reason"}),
		eventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "datafold_events_dropped_total",
			Help: "Count of bus events dropped due to subscriber backlog overflow, by topic.",
		}, []string{"topic"}),
		b:    b,
		done: make(chan struct{}),
	}
}

// Start begins draining bus events into counters on a background goroutine.
func (c *Collector) Start() {
	c.sub = c.b.Subscribe(bus.DefaultBacklog)
	go c.run()
}

// Stop unsubscribes from the bus and halts the collector goroutine.
func (c *Collector) Stop() {
	if c.sub != nil {
		c.b.Unsubscribe(c.sub)
	}
	close(c.done)
}

func (c *Collector) run() {
	for {
		for {
			ev, ok := c.sub.Poll()
			if !ok {
				break
			}
			c.observe(ev)
		}
		done := c.done
		select {
		case <-done:
			return
		default:
			c.sub.Wait(done)
		}
	}
}

func (c *Collector) observe(ev bus.Event) {
	switch ev.Topic {
	case bus.FieldChanged:
		p := ev.Payload.(bus.FieldChangedPayload)
		c.fieldChanged.WithLabelValues(p.Schema, p.Field).Inc()
	case bus.SchemaChanged:
		p := ev.Payload.(bus.SchemaChangedPayload)
		c.schemaChanged.WithLabelValues(p.NewState).Inc()
	case bus.TransformFailed:
		c.transformFailed.Inc()
	case bus.SignatureVerified:
		c.signatureVerified.Inc()
	case bus.SignatureRejected:
		p := ev.Payload.(bus.SignatureRejectedPayload)
		c.signatureRejected.WithLabelValues(p.Reason).Inc()
	case bus.EventsDropped:
		p := ev.Payload.(bus.EventsDroppedPayload)
		c.eventsDropped.WithLabelValues(string(p.Topic)).Inc()
	}
}
