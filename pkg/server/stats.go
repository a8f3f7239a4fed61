package server

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stats tracks request counters since process start. The JSON shape is what
// monitoring dashboards already scrape, the same counters are also exported
// to the Prometheus registry.
type Stats struct {
	registry *prometheus.Registry

	requestsTotal *prometheus.CounterVec
	errorsTotal   prometheus.Counter
	timeoutsTotal prometheus.Counter

	mu       sync.Mutex
	gets     int
	errors   int
	timeouts int
	uri      map[string]int
	start    time.Time
	clear    time.Time
}

// NewStats returns zeroed counters with their own Prometheus registry.
func NewStats() *Stats {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	now := time.Now()
	return &Stats{
		registry: registry,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pwproxy_requests_total",
			Help: "Requests served, by path.",
		}, []string{"path"}),
		errorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pwproxy_errors_total",
			Help: "Requests that failed upstream.",
		}),
		timeoutsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pwproxy_timeouts_total",
			Help: "Requests the upstream did not answer.",
		}),
		uri:   map[string]int{},
		start: now,
		clear: now,
	}
}

// Registry exposes the Prometheus registry for the metrics handler.
func (s *Stats) Registry() *prometheus.Registry {
	return s.registry
}

// CountGet records a served API request for path.
func (s *Stats) CountGet(path string) {
	s.requestsTotal.WithLabelValues(path).Inc()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	s.uri[path]++
}

// CountWeb records a served web or proxied asset request. Those are not
// tracked per path, the URI table is for the API surface.
func (s *Stats) CountWeb() {
	s.requestsTotal.WithLabelValues("web").Inc()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
}

// CountError records an upstream failure.
func (s *Stats) CountError() {
	s.errorsTotal.Inc()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors++
}

// CountTimeout records an upstream that did not answer.
func (s *Stats) CountTimeout() {
	s.timeoutsTotal.Inc()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeouts++
}

// Clear resets the request counters and the URI table. The start timestamp
// and the timeout count survive so long-running deployments keep their
// history, matching what the dashboards expect.
func (s *Stats) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets = 0
	s.errors = 0
	s.uri = map[string]int{}
	s.clear = time.Now()
}

// statsPayload is the JSON served on /stats.
type statsPayload struct {
	Proxy     string         `json:"pwproxy"`
	Gets      int            `json:"gets"`
	Errors    int            `json:"errors"`
	Timeout   int            `json:"timeout"`
	URI       map[string]int `json:"uri"`
	TS        int64          `json:"ts"`
	Start     int64          `json:"start"`
	Clear     int64          `json:"clear"`
	Uptime    string         `json:"uptime"`
	Mem       uint64         `json:"mem"`
	SiteName  string         `json:"site_name"`
	CloudMode bool           `json:"cloudmode"`
	SiteID    string         `json:"siteid"`
	Counter   int            `json:"counter"`
	AuthMode  string         `json:"authmode"`
}

// Snapshot returns the counter portion of the stats payload. The caller
// fills in the connection details.
func (s *Stats) Snapshot() statsPayload {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	s.mu.Lock()
	defer s.mu.Unlock()
	uri := make(map[string]int, len(s.uri))
	for k, v := range s.uri {
		uri[k] = v
	}
	now := time.Now()
	return statsPayload{
		Gets:    s.gets,
		Errors:  s.errors,
		Timeout: s.timeouts,
		URI:     uri,
		TS:      now.Unix(),
		Start:   s.start.Unix(),
		Clear:   s.clear.Unix(),
		Uptime:  now.Sub(s.start).Truncate(time.Second).String(),
		Mem:     mem.Sys,
	}
}
