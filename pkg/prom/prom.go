package prom

import (
	"sync"

	xhttp "github.com/nimasrn/message-dispatch/pkg/http"
	"github.com/nimasrn/message-dispatch/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

const (
	SystemDispatch = "dispatch"
)

const (
	MetricMessagesSent     = "messages_sent_total"
	MetricMessagesFailed   = "messages_failed_total"
	MetricMessagesQueued   = "messages_queued_total"
	MetricDeliveryDuration = "delivery_duration_seconds"
	MetricQuotaDenied      = "quota_denied_total"
)

var createLock = &sync.Mutex{}
var namespace = "none"

var MetricSystemEnabled = false

var counterVecs = make(map[string]*prometheus.CounterVec)
var histogramVecs = make(map[string]*prometheus.HistogramVec)

var defaultLabels prometheus.Labels

// Create registers the dispatch metric set. Call once at startup; metric
// helpers are no-ops until then.
func Create(host string, env string, nameSpace string) error {
	defaultLabels = prometheus.Labels{"env": env, "instance": host}
	namespace = nameSpace
	MetricSystemEnabled = true

	var err error
	hasError := func(e error) {
		if err == nil && e != nil {
			err = e
		}
	}

	hasError(createCounterVec(SystemDispatch, MetricMessagesSent, []string{"provider", "queue"}))
	hasError(createCounterVec(SystemDispatch, MetricMessagesFailed, []string{"provider", "queue"}))
	hasError(createCounterVec(SystemDispatch, MetricMessagesQueued, []string{"queue"}))
	hasError(createCounterVec(SystemDispatch, MetricQuotaDenied, []string{"reason"}))
	hasError(createHistogramVec(SystemDispatch, MetricDeliveryDuration, []string{"provider"}))

	return err
}

// ListenAndServer exposes /metrics over the shared fasthttp engine.
func ListenAndServer(port string, url string) {
	hh := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
	s := xhttp.CreateServer()
	s.GET(url, hh)
	logger.Info("[metrics-server] listening...", "url", url)
	if err := s.ListenAndServe(port); err != nil {
		logger.Panic("[metrics-server] http listen error", "error", err)
	}
}

func createCounterVec(subsystem, name string, labels []string) error {
	createLock.Lock()
	defer createLock.Unlock()
	counterVecs[subsystem+name] = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        name,
		Help:        "",
		ConstLabels: defaultLabels,
	}, labels)
	return prometheus.Register(counterVecs[subsystem+name])
}

func createHistogramVec(subsystem, name string, labels []string) error {
	createLock.Lock()
	defer createLock.Unlock()
	histogramVecs[subsystem+name] = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        name,
		Help:        "",
		ConstLabels: defaultLabels,
		Buckets:     prometheus.DefBuckets,
	}, labels)
	return prometheus.Register(histogramVecs[subsystem+name])
}

func AddCounterVec(subsystem, name string, num float64, labelValues ...string) {
	if !MetricSystemEnabled {
		return
	}
	if v, ok := counterVecs[subsystem+name]; ok {
		v.WithLabelValues(labelValues...).Add(num)
		return
	}
	logger.Warn("[metrics-server] counter vec not found", "subsystem", subsystem, "name", name)
}

func IncCounterVec(subsystem, name string, labelValues ...string) {
	AddCounterVec(subsystem, name, 1, labelValues...)
}

func AddHistogramVec(subsystem, name string, number float64, labelValues ...string) {
	if !MetricSystemEnabled {
		return
	}
	if v, ok := histogramVecs[subsystem+name]; ok {
		v.WithLabelValues(labelValues...).Observe(number)
		return
	}
	logger.Warn("[metrics-server] histogram vec not found", "subsystem", subsystem, "name", name)
}

func IncMessagesSent(provider, queue string) {
	IncCounterVec(SystemDispatch, MetricMessagesSent, provider, queue)
}

func IncMessagesFailed(provider, queue string) {
	IncCounterVec(SystemDispatch, MetricMessagesFailed, provider, queue)
}

func IncMessagesQueued(queue string) {
	IncCounterVec(SystemDispatch, MetricMessagesQueued, queue)
}

func IncQuotaDenied(reason string) {
	IncCounterVec(SystemDispatch, MetricQuotaDenied, reason)
}

func AddDeliveryDuration(seconds float64, provider string) {
	AddHistogramVec(SystemDispatch, MetricDeliveryDuration, seconds, provider)
}
