package common

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 系统指标
//
// 所有方法都允许 nil 接收者，未配置指标时组件照常工作。
type Metrics struct {
	allocations          *prometheus.CounterVec
	nodeTransitions      *prometheus.CounterVec
	southboundDuration   *prometheus.HistogramVec
	reservationConflicts prometheus.Counter
	httpRequests         *prometheus.CounterVec
	httpDuration         *prometheus.HistogramVec
	discovery            *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// InventoryCounter 按类型和状态统计资源数量
type InventoryCounter interface {
	CountByKindAndState() map[ResourceKind]map[ResourceState]int
}

// NewMetrics 创建指标并注册到指定注册表
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		allocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "podm_allocations_total",
				Help: "Composed node allocation attempts by result.",
			},
			[]string{"result"},
		),
		nodeTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "podm_node_transitions_total",
				Help: "Composed node lifecycle transitions.",
			},
			[]string{"from", "to"},
		),
		southboundDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "podm_southbound_duration_seconds",
				Help:    "Latency of southbound configuration calls by operation and result.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "result"},
		),
		reservationConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "podm_reservation_conflicts_total",
			Help: "Reservations that lost a race for a resource and were rolled back.",
		}),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "podm_http_requests_total",
				Help: "Total number of HTTP requests by method, route, and status code.",
			},
			[]string{"method", "path", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "podm_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds by method and route.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		discovery: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "podm_discovery_resources_total",
				Help: "Resources processed by inventory refreshes, by outcome.",
			},
			[]string{"outcome"},
		),
		gatherer: reg,
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.allocations,
		m.nodeTransitions,
		m.southboundDuration,
		m.reservationConflicts,
		m.httpRequests,
		m.httpDuration,
		m.discovery,
	)
	return m
}

// RegisterInventory 注册资源清单采集器，每次抓取时查询资源索引
func (m *Metrics) RegisterInventory(reg prometheus.Registerer, inv InventoryCounter) {
	if m == nil {
		return
	}
	reg.MustRegister(&inventoryCollector{
		inv: inv,
		desc: prometheus.NewDesc(
			"podm_resources",
			"Number of discovered resources, partitioned by kind and availability state.",
			[]string{"kind", "state"},
			nil,
		),
	})
}

// IncAllocation 记录分配结果
func (m *Metrics) IncAllocation(result string) {
	if m == nil {
		return
	}
	m.allocations.WithLabelValues(result).Inc()
}

// IncNodeTransition 记录节点状态迁移
func (m *Metrics) IncNodeTransition(from, to ComposedNodeState) {
	if m == nil {
		return
	}
	m.nodeTransitions.WithLabelValues(string(from), string(to)).Inc()
}

// ObserveSouthbound 记录南向调用耗时
func (m *Metrics) ObserveSouthbound(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.southboundDuration.WithLabelValues(operation, result).Observe(time.Since(start).Seconds())
}

// IncReservationConflict 记录预留冲突
func (m *Metrics) IncReservationConflict() {
	if m == nil {
		return
	}
	m.reservationConflicts.Inc()
}

// ObserveDiscovery 记录一次资源清单刷新的结果
func (m *Metrics) ObserveDiscovery(discovered, invalid, removed, retained int) {
	if m == nil {
		return
	}
	m.discovery.WithLabelValues("discovered").Add(float64(discovered))
	m.discovery.WithLabelValues("invalid").Add(float64(invalid))
	m.discovery.WithLabelValues("removed").Add(float64(removed))
	m.discovery.WithLabelValues("retained").Add(float64(retained))
}

// DiscoveryOutcomes 资源清单刷新结果计数器
func (m *Metrics) DiscoveryOutcomes() *prometheus.CounterVec {
	return m.discovery
}

// ReservationConflicts 预留冲突计数器
func (m *Metrics) ReservationConflicts() prometheus.Counter {
	return m.reservationConflicts
}

// Allocations 分配结果计数器
func (m *Metrics) Allocations() *prometheus.CounterVec {
	return m.allocations
}

// Handler 返回 /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Middleware 记录 HTTP 请求指标，pattern 使用路由模板以限制标签基数
func (m *Metrics) Middleware(pattern string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			m.httpRequests.WithLabelValues(r.Method, pattern, strconv.Itoa(rw.status)).Inc()
			m.httpDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
		}()
		next.ServeHTTP(rw, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type inventoryCollector struct {
	inv  InventoryCounter
	desc *prometheus.Desc
}

func (c *inventoryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *inventoryCollector) Collect(ch chan<- prometheus.Metric) {
	for kind, states := range c.inv.CountByKindAndState() {
		for state, n := range states {
			ch <- prometheus.MustNewConstMetric(
				c.desc,
				prometheus.GaugeValue,
				float64(n),
				string(kind), string(state),
			)
		}
	}
}
