package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const responseWindow = 1000

// MetricsCollector keeps request statistics for the document server and
// mirrors them into Prometheus.
type MetricsCollector struct {
	mutex sync.RWMutex

	requestCount    int64
	errorCount      int64
	responseTimes   []time.Duration
	lastRequestTime time.Time
	startTime       time.Time

	endpointMetrics map[string]*EndpointMetrics
	statusCodes     map[int]int64

	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

type EndpointMetrics struct {
	RequestCount    int64         `json:"request_count"`
	TotalTime       time.Duration `json:"total_time"`
	MinTime         time.Duration `json:"min_time"`
	MaxTime         time.Duration `json:"max_time"`
	ErrorCount      int64         `json:"error_count"`
	LastRequestTime time.Time     `json:"last_request_time"`
}

type PerformanceMetrics struct {
	TotalRequests       int64                       `json:"total_requests"`
	AverageResponseTime time.Duration               `json:"average_response_time"`
	MinResponseTime     time.Duration               `json:"min_response_time"`
	MaxResponseTime     time.Duration               `json:"max_response_time"`
	RequestsPerSecond   float64                     `json:"requests_per_second"`
	ErrorRate           float64                     `json:"error_rate"`
	Uptime              time.Duration               `json:"uptime"`
	LastRequestTime     time.Time                   `json:"last_request_time"`
	EndpointMetrics     map[string]*EndpointMetrics `json:"endpoint_metrics"`
	StatusCodes         map[int]int64               `json:"status_codes"`
}

// NewMetricsCollector registers its Prometheus series on reg. A nil reg
// keeps the series unregistered.
func NewMetricsCollector(reg prometheus.Registerer) *MetricsCollector {
	mc := &MetricsCollector{
		responseTimes:   make([]time.Duration, 0, responseWindow),
		endpointMetrics: make(map[string]*EndpointMetrics),
		statusCodes:     make(map[int]int64),
		startTime:       time.Now(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "visitor_tracker",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Document server requests by route and status code.",
		}, []string{"route", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "visitor_tracker",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Document server request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	if reg != nil {
		reg.MustRegister(mc.requests, mc.latency)
	}
	return mc
}

func (mc *MetricsCollector) RecordRequest(endpoint string, responseTime time.Duration, statusCode int) {
	mc.requests.WithLabelValues(endpoint, statusText(statusCode)).Inc()
	mc.latency.WithLabelValues(endpoint).Observe(responseTime.Seconds())

	mc.mutex.Lock()
	defer mc.mutex.Unlock()

	now := time.Now()
	mc.requestCount++
	mc.lastRequestTime = now

	if len(mc.responseTimes) >= responseWindow {
		mc.responseTimes = mc.responseTimes[1:]
	}
	mc.responseTimes = append(mc.responseTimes, responseTime)

	isError := statusCode >= 400
	if isError {
		mc.errorCount++
	}
	mc.statusCodes[statusCode]++

	ep := mc.endpointMetrics[endpoint]
	if ep == nil {
		ep = &EndpointMetrics{MinTime: responseTime, MaxTime: responseTime}
		mc.endpointMetrics[endpoint] = ep
	}
	ep.RequestCount++
	ep.TotalTime += responseTime
	ep.LastRequestTime = now
	ep.MinTime = min(ep.MinTime, responseTime)
	ep.MaxTime = max(ep.MaxTime, responseTime)
	if isError {
		ep.ErrorCount++
	}
}

func (mc *MetricsCollector) GetMetrics() *PerformanceMetrics {
	mc.mutex.RLock()
	defer mc.mutex.RUnlock()

	out := &PerformanceMetrics{
		TotalRequests:   mc.requestCount,
		Uptime:          time.Since(mc.startTime),
		LastRequestTime: mc.lastRequestTime,
		EndpointMetrics: make(map[string]*EndpointMetrics, len(mc.endpointMetrics)),
		StatusCodes:     make(map[int]int64, len(mc.statusCodes)),
	}

	if len(mc.responseTimes) > 0 {
		var total time.Duration
		out.MinResponseTime = mc.responseTimes[0]
		out.MaxResponseTime = mc.responseTimes[0]
		for _, rt := range mc.responseTimes {
			total += rt
			out.MinResponseTime = min(out.MinResponseTime, rt)
			out.MaxResponseTime = max(out.MaxResponseTime, rt)
		}
		out.AverageResponseTime = total / time.Duration(len(mc.responseTimes))
	}

	if secs := out.Uptime.Seconds(); secs > 0 {
		out.RequestsPerSecond = float64(mc.requestCount) / secs
	}
	if mc.requestCount > 0 {
		out.ErrorRate = float64(mc.errorCount) / float64(mc.requestCount) * 100
	}

	for endpoint, ep := range mc.endpointMetrics {
		cp := *ep
		out.EndpointMetrics[endpoint] = &cp
	}
	for code, n := range mc.statusCodes {
		out.StatusCodes[code] = n
	}
	return out
}

func (mc *MetricsCollector) GetEndpointMetrics(endpoint string) *EndpointMetrics {
	mc.mutex.RLock()
	defer mc.mutex.RUnlock()

	ep, ok := mc.endpointMetrics[endpoint]
	if !ok {
		return nil
	}
	cp := *ep
	return &cp
}

func (mc *MetricsCollector) Reset() {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()

	mc.requestCount = 0
	mc.errorCount = 0
	mc.responseTimes = mc.responseTimes[:0]
	mc.lastRequestTime = time.Time{}
	mc.startTime = time.Now()
	mc.endpointMetrics = make(map[string]*EndpointMetrics)
	mc.statusCodes = make(map[int]int64)
}

func statusText(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
