package metrics

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

var httpBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

type route struct {
	handler string
	method  string
}

func (r route) labels() string {
	return label("handler", r.handler) + "," + label("method", r.method)
}

// routeStats aggregates one handler/method pair. Server errors are counted
// separately so alerts do not need to sum status codes.
type routeStats struct {
	codes   map[int]uint64
	errors  uint64
	latency *histogram
}

type httpMetrics struct {
	mu     sync.Mutex
	routes map[route]*routeStats
}

var httpCollector = &httpMetrics{routes: make(map[route]*routeStats)}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpCollector.mu.Lock()
	defer httpCollector.mu.Unlock()

	key := route{handler: handler, method: method}
	stats := httpCollector.routes[key]
	if stats == nil {
		stats = &routeStats{codes: make(map[int]uint64), latency: newHistogramWith(httpBuckets)}
		httpCollector.routes[key] = stats
	}
	stats.codes[status]++
	if status >= 500 {
		stats.errors++
	}
	stats.latency.observe(duration.Seconds())
}

type histogram struct {
	bounds []float64
	counts []uint64
	sum    float64
	count  uint64
}

func newHistogramWith(bounds []float64) *histogram {
	return &histogram{bounds: bounds, counts: make([]uint64, len(bounds))}
}

// observe keeps counts cumulative. Values above the last bound only reach
// +Inf through count.
func (h *histogram) observe(v float64) {
	h.count++
	h.sum += v
	i, _ := slices.BinarySearch(h.bounds, v)
	for ; i < len(h.counts); i++ {
		h.counts[i]++
	}
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		var b strings.Builder
		httpCollector.write(&b)
		hireCollector.write(&b)
		_, _ = w.Write([]byte(b.String()))
	})
}

func (m *httpMetrics) write(b *strings.Builder) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]route, 0, len(m.routes))
	for k := range m.routes {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b route) int {
		return cmp.Or(cmp.Compare(a.handler, b.handler), cmp.Compare(a.method, b.method))
	})

	header(b, "escrow_http_requests_total", "counter", "Total number of HTTP requests processed.")
	for _, k := range keys {
		codes := make([]int, 0, len(m.routes[k].codes))
		for code := range m.routes[k].codes {
			codes = append(codes, code)
		}
		slices.Sort(codes)
		for _, code := range codes {
			fmt.Fprintf(b, "escrow_http_requests_total{%s,%s} %d\n",
				k.labels(), label("code", strconv.Itoa(code)), m.routes[k].codes[code])
		}
	}

	header(b, "escrow_http_request_errors_total", "counter", "Total number of HTTP requests that resulted in a server error.")
	for _, k := range keys {
		if n := m.routes[k].errors; n > 0 {
			fmt.Fprintf(b, "escrow_http_request_errors_total{%s} %d\n", k.labels(), n)
		}
	}

	header(b, "escrow_http_request_duration_seconds", "histogram", "HTTP request duration in seconds.")
	for _, k := range keys {
		writeHistogram(b, "escrow_http_request_duration_seconds", k.labels(), m.routes[k].latency)
	}
}

func header(b *strings.Builder, name, kind, help string) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	for i, bound := range h.bounds {
		fmt.Fprintf(b, "%s_bucket{%s,%s} %d\n", name, labels, label("le", formatFloat(bound)), h.counts[i])
	}
	fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, h.count)
	fmt.Fprintf(b, "%s_sum{%s} %s\n", name, labels, formatFloat(h.sum))
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, h.count)
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", "")

func label(name, value string) string {
	return name + `="` + labelEscaper.Replace(value) + `"`
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer serves /metrics on its own listener until ctx ends.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
