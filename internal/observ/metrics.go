package observ

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registry mirrors every counter/gauge into Prometheus (via promauto,
// lazily registered on first use per name) while also keeping a plain
// in-memory snapshot for the JSON debug dump and the health handler,
// which want raw numbers rather than a text-exposition scrape.
type registry struct {
	mu       sync.Mutex
	counters map[string]map[string]int64
	gauges   map[string]map[string]float64

	promCounters map[string]*prometheus.CounterVec
	promGauges   map[string]*prometheus.GaugeVec
}

var reg = &registry{
	counters:     map[string]map[string]int64{},
	gauges:       map[string]map[string]float64{},
	promCounters: map[string]*prometheus.CounterVec{},
	promGauges:   map[string]*prometheus.GaugeVec{},
}

func canonLabels(lbl map[string]string) string {
	if len(lbl) == 0 {
		return ""
	}
	keys := make([]string, 0, len(lbl))
	for k := range lbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(lbl[k])
	}
	return b.String()
}

func labelNames(lbl map[string]string) []string {
	names := make([]string, 0, len(lbl))
	for k := range lbl {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (r *registry) counterVec(name string, lbl map[string]string) *prometheus.CounterVec {
	cv, ok := r.promCounters[name]
	if !ok {
		cv = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_" + name,
			Help: name,
		}, labelNames(lbl))
		r.promCounters[name] = cv
	}
	return cv
}

func (r *registry) gaugeVec(name string, lbl map[string]string) *prometheus.GaugeVec {
	gv, ok := r.promGauges[name]
	if !ok {
		gv = promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_" + name,
			Help: name,
		}, labelNames(lbl))
		r.promGauges[name] = gv
	}
	return gv
}

// IncCounter increments a named counter by 1, tagged with labels.
func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1.0)
}

// IncCounterBy increments a named counter by value.
func IncCounterBy(name string, labels map[string]string, value float64) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.counters[name]
	if !ok {
		m = map[string]int64{}
		reg.counters[name] = m
	}
	m[canonLabels(labels)] += int64(value)
	reg.counterVec(name, labels).With(labels).Add(value)
}

// SetGauge sets a named gauge to value, tagged with labels.
func SetGauge(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.gauges[name]
	if !ok {
		m = map[string]float64{}
		reg.gauges[name] = m
	}
	m[canonLabels(labels)] = value
	reg.gaugeVec(name, labels).With(labels).Set(value)
}

// Handler returns the Prometheus scrape handler for every collector
// registered globally via promauto. The plain in-memory snapshot is not
// part of it; JSONHandler serves that separately.
func Handler() http.Handler {
	return promhttp.Handler()
}

// JSONHandler dumps the in-memory snapshot as JSON, independent of the
// Prometheus text-exposition format.
func JSONHandler() http.Handler {
	type dump struct {
		Counters map[string]map[string]int64   `json:"counters"`
		Gauges   map[string]map[string]float64 `json:"gauges"`
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(dump{Counters: reg.counters, Gauges: reg.gauges})
	})
}

// HealthStatus is the engine's operational health snapshot.
type HealthStatus struct {
	Status    string    `json:"status"` // "healthy" or "degraded"
	Timestamp string    `json:"timestamp"`
	Uptime    string    `json:"uptime"`
}

var startTime = time.Now()

// HealthHandler reports "degraded" when the drawdown_daily_pct gauge has
// reached 100 or the signal_loop_error_total counter is non-zero, and
// "healthy" otherwise. It does not read the circuit breaker's state and
// never reports "halted".
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reg.mu.Lock()
		status := "healthy"
		if g, ok := reg.gauges["drawdown_daily_pct"]; ok {
			for _, v := range g {
				if v >= 100 {
					status = "degraded"
				}
			}
		}
		if c, ok := reg.counters["signal_loop_error_total"]; ok {
			for _, v := range c {
				if v > 0 {
					status = "degraded"
				}
			}
		}
		reg.mu.Unlock()

		code := http.StatusOK
		if status != "healthy" {
			code = http.StatusPartialContent
		}
		health := HealthStatus{
			Status:    status,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Uptime:    time.Since(startTime).String(),
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(health)
	})
}
