// Package metrics wraps the Prometheus collectors exported by the engine.
// Every engine owns a private registry so independent instances never collide
// on registration. All Collector methods are safe on a nil receiver.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "modhub"

// Collector 汇总 Registry、Loader 与 CacheManager 的指标。
type Collector struct {
	registry *prometheus.Registry

	resolutions    *prometheus.CounterVec
	instantiations *prometheus.CounterVec
	loaderRequests *prometheus.CounterVec
	loaderInflight prometheus.Gauge
	cacheRequests  *prometheus.CounterVec
	cacheEvictions prometheus.Counter
	cacheBytes     prometheus.Gauge
	cacheEntries   prometheus.Gauge
}

// New 创建 Collector 并注册到私有 registry。
func New() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.resolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "resolutions_total",
			Help:      "Module resolutions by result (hit, ok, error)",
		},
		[]string{"result"},
	)
	c.instantiations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "instantiations_total",
			Help:      "Host loader invocations by result",
		},
		[]string{"result"},
	)
	c.loaderRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "requests_total",
			Help:      "Loader requests by outcome (hit, joined, miss)",
		},
		[]string{"outcome"},
	)
	c.loaderInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "loader",
		Name:      "inflight",
		Help:      "Loads currently in flight",
	})
	c.cacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "requests_total",
			Help:      "Specifier cache requests by outcome (hit, miss, error)",
		},
		[]string{"outcome"},
	)
	c.cacheEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Specifiers evicted by the LRU policy",
	})
	c.cacheBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "bytes",
		Help:      "Sum of tracked specifier sizes",
	})
	c.cacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "entries",
		Help:      "Specifiers currently cached",
	})

	c.registry.MustRegister(
		c.resolutions,
		c.instantiations,
		c.loaderRequests,
		c.loaderInflight,
		c.cacheRequests,
		c.cacheEvictions,
		c.cacheBytes,
		c.cacheEntries,
	)
	return c
}

// Registry 返回底层 prometheus registry，便于测试直接 Gather。
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler 返回 Prometheus exposition handler。
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveResolution 记录 Registry.Resolve 的结果。
func (c *Collector) ObserveResolution(result string) {
	if c == nil {
		return
	}
	c.resolutions.WithLabelValues(result).Inc()
}

// ObserveInstantiation 记录一次宿主加载调用。
func (c *Collector) ObserveInstantiation(err error) {
	if c == nil {
		return
	}
	c.instantiations.WithLabelValues(resultLabel(err)).Inc()
}

// ObserveLoad 记录 Loader 请求的去向。
func (c *Collector) ObserveLoad(outcome string) {
	if c == nil {
		return
	}
	c.loaderRequests.WithLabelValues(outcome).Inc()
}

// SetInflight 更新在途加载数量。
func (c *Collector) SetInflight(n int) {
	if c == nil {
		return
	}
	c.loaderInflight.Set(float64(n))
}

// ObserveCache 记录 CacheManager 请求结果。
func (c *Collector) ObserveCache(outcome string) {
	if c == nil {
		return
	}
	c.cacheRequests.WithLabelValues(outcome).Inc()
}

// ObserveEviction 记录一次 LRU 淘汰。
func (c *Collector) ObserveEviction() {
	if c == nil {
		return
	}
	c.cacheEvictions.Inc()
}

// SetCacheUsage 更新缓存条目数与总字节数。
func (c *Collector) SetCacheUsage(entries int, bytes int64) {
	if c == nil {
		return
	}
	c.cacheEntries.Set(float64(entries))
	c.cacheBytes.Set(float64(bytes))
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
