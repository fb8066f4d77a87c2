package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/petal-labs/procflow/bus"
	"github.com/petal-labs/procflow/config"
	pfotel "github.com/petal-labs/procflow/otel"
	"github.com/petal-labs/procflow/runtime"
)

// eventBuffer bounds the events a slow sink may lag behind a run.
const eventBuffer = 4096

// observeOptions selects what a run reports besides its result.
type observeOptions struct {
	// EventFormat prints every event to the writer: "", "text" or "json".
	EventFormat string
	// Coalesce throttles flow events of the printer.
	Coalesce time.Duration
	// Stats collects element metrics and prints a summary on close.
	Stats bool
}

// observer fans run events out to the configured sinks: the event store,
// tracing, metrics and the console.
type observer struct {
	logger     *slog.Logger
	out        io.Writer
	bus        *bus.MemBus
	store      bus.EventStore
	handlers   []runtime.EventHandler
	decorators []runtime.EventEmitterDecorator
	closers    []func(context.Context) error
	reader     *sdkmetric.ManualReader
	wg         sync.WaitGroup
}

func newObserver(ctx context.Context, cfg config.Config, logger *slog.Logger, out io.Writer, opts observeOptions) (*observer, error) {
	o := &observer{
		logger: logger,
		out:    out,
		bus:    bus.NewMemBus(bus.MemBusConfig{SubscriberBufferSize: eventBuffer}),
	}

	tp, shutdown, err := setupTracing(ctx, cfg.Telemetry)
	if err != nil {
		return nil, exitError(exitRuntime, "setting up tracing: %v", err)
	}
	o.closers = append(o.closers, shutdown)
	if tp != nil {
		tracing := pfotel.NewTracingHandler(tp.Tracer("procflow"))
		o.handlers = append(o.handlers, tracing.Handle)
		o.decorators = append(o.decorators, pfotel.Decorator(tracing))
	}

	if opts.Stats {
		o.reader = sdkmetric.NewManualReader()
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(o.reader))
		metrics, err := pfotel.NewMetricsHandler(mp.Meter("procflow"))
		if err != nil {
			return nil, exitError(exitRuntime, "creating metrics: %v", err)
		}
		o.handlers = append(o.handlers, metrics.Handle)
		o.closers = append(o.closers, mp.Shutdown)
	}

	if addr := cfg.Telemetry.PrometheusAddr; addr != "" {
		reg := prometheus.NewRegistry()
		prom, err := pfotel.NewPrometheusHandler(reg)
		if err != nil {
			return nil, exitError(exitRuntime, "creating prometheus collectors: %v", err)
		}
		stop, err := servePrometheus(addr, reg, logger)
		if err != nil {
			return nil, exitError(exitRuntime, "serving prometheus metrics: %v", err)
		}
		o.handlers = append(o.handlers, prom.Handle)
		o.closers = append(o.closers, stop)
	}

	store, closeStore, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	if store != nil {
		o.store = store
		o.closers = append(o.closers, closeStore)
		o.consume(bus.NewStoreSubscriber(store, logger).Consume)
	}

	if opts.EventFormat != "" {
		emit := eventPrinter(out, opts.EventFormat)
		var throttle *bus.ThrottledEmitter
		if opts.Coalesce > 0 {
			throttle = bus.NewThrottledEmitter(emit, bus.ThrottleConfig{CoalesceInterval: opts.Coalesce})
			emit = throttle.Emit
		}
		o.consume(func(_ context.Context, sub bus.Subscription) {
			for e := range sub.Events() {
				emit(e)
			}
			if throttle != nil {
				throttle.Close()
			}
		})
	}
	return o, nil
}

// consume runs fn on a new bus subscription until the bus closes.
func (o *observer) consume(fn func(context.Context, bus.Subscription)) {
	sub := o.bus.SubscribeAll()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn(context.Background(), sub)
	}()
}

// Handler returns the handler to attach to a process.
func (o *observer) Handler() runtime.EventHandler {
	return runtime.MultiEventHandler(append(o.handlers, bus.Handler(o.bus))...)
}

// TapOptions returns the decorators and, with an event store, a sequence
// base so that a resumed run appends after its journaled events.
func (o *observer) TapOptions() []runtime.TapOption {
	opts := []runtime.TapOption{runtime.WithDecorators(o.decorators...)}
	if o.store != nil {
		store, logger := o.store, o.logger
		opts = append(opts, runtime.WithSeqBase(func(runID string) uint64 {
			seq, err := store.LatestSeq(context.Background(), runID)
			if err != nil {
				logger.Warn("reading journaled sequence", "run_id", runID, "error", err)
			}
			return seq
		}))
	}
	return opts
}

// Close drains the bus consumers, prints the stats summary and shuts the
// sinks down in reverse order.
func (o *observer) Close(ctx context.Context) {
	_ = o.bus.Close()
	o.wg.Wait()
	if n := o.bus.Dropped(); n > 0 {
		o.logger.Warn("events dropped by slow consumers", "count", n)
	}
	if o.reader != nil {
		o.printStats(ctx)
	}
	for i := len(o.closers) - 1; i >= 0; i-- {
		if err := o.closers[i](ctx); err != nil {
			o.logger.Warn("shutdown failed", "error", err)
		}
	}
}

func (o *observer) printStats(ctx context.Context) {
	var rm metricdata.ResourceMetrics
	if err := o.reader.Collect(ctx, &rm); err != nil {
		o.logger.Warn("collecting metrics failed", "error", err)
		return
	}
	lines := map[string]string{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				var total int64
				for _, dp := range data.DataPoints {
					total += dp.Value
				}
				lines[m.Name] = fmt.Sprintf("%d", total)
			case metricdata.Histogram[float64]:
				var count uint64
				var sum float64
				for _, dp := range data.DataPoints {
					count += dp.Count
					sum += dp.Sum
				}
				lines[m.Name] = fmt.Sprintf("%d samples, %.3fs total", count, sum)
			}
		}
	}
	names := make([]string, 0, len(lines))
	for name := range lines {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(o.out, "=== Stats ===")
	for _, name := range names {
		fmt.Fprintf(o.out, "  %s: %s\n", name, lines[name])
	}
}

// eventPrinter writes one line per event.
func eventPrinter(w io.Writer, format string) runtime.EventEmitter {
	if format == "json" {
		enc := json.NewEncoder(w)
		return func(e runtime.Event) {
			_ = enc.Encode(e)
		}
	}
	return func(e runtime.Event) {
		fmt.Fprintln(w, formatEvent(e))
	}
}

func formatEvent(e runtime.Event) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%4d %-18s", e.Seq, e.Kind)
	if e.ElementID != "" {
		fmt.Fprintf(&sb, " %s", e.ElementID)
		if e.ElementType != "" {
			fmt.Fprintf(&sb, " (%s)", e.ElementType)
		}
	} else {
		fmt.Fprintf(&sb, " %s", e.ProcessID)
	}
	if s, ok := e.Payload["state"].(string); ok && s != "" {
		fmt.Fprintf(&sb, " state=%s", s)
	}
	if s, ok := e.Payload["timeout"].(string); ok {
		fmt.Fprintf(&sb, " timeout=%s", s)
	}
	if s, ok := e.Payload["error"].(string); ok {
		fmt.Fprintf(&sb, " error=%q", s)
	}
	if n, ok := e.Payload["coalesced"].(int); ok {
		fmt.Fprintf(&sb, " x%d", n)
	}
	return sb.String()
}

// openStore opens the configured event store. It returns a nil store for
// the none kind.
func openStore(cfg config.StoreConfig) (bus.EventStore, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	switch cfg.Kind {
	case "", config.StoreNone:
		return nil, noop, nil
	case config.StoreMemory:
		return bus.NewMemEventStore(), noop, nil
	case config.StoreSQLite:
		store, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{
			DSN:            cfg.DSN,
			RetentionAge:   cfg.RetentionAge,
			RetentionCount: cfg.RetentionCount,
		})
		if err != nil {
			return nil, noop, exitError(exitStore, "opening event store: %v", err)
		}
		return store, func(context.Context) error { return store.Close() }, nil
	case config.StoreRedis:
		var opts []bus.RedisOption
		if cfg.TTL > 0 {
			opts = append(opts, bus.WithTTL(cfg.TTL))
		}
		store := bus.NewRedisEventStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, opts...)
		return store, func(context.Context) error { return store.Close() }, nil
	}
	return nil, noop, exitError(exitStore, "unknown store kind %q", cfg.Kind)
}
