package monitor

import (
	"context"
	"math"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	registry = prometheus.NewRegistry()

	memUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memory_usage_megabytes",
		Help: "Resident memory of the server process in megabytes",
	})
	cpuUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cpu_usage_percent",
		Help: "CPU usage of the server process in percent",
	})
	inferenceTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inference_total",
		Help: "Inference calls per model and outcome",
	}, []string{"model", "status"})
	inferenceSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "inference_duration_seconds",
		Help:    "Inference latency per model",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"model"})
	approvalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "approvals_total",
		Help: "Approval submissions per partition and outcome",
	}, []string{"partition", "status"})
	httpTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "HTTP requests per route and status code",
	}, []string{"route", "code"})
	GRPCTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grpc_requests_total",
		Help: "Total number of gRPC requests processed",
	})
)

func init() {
	registry.MustRegister(memUsage, cpuUsage, inferenceTotal, inferenceSeconds, approvalsTotal, httpTotal, GRPCTotal)
}

// Handler serves the metrics of this package's registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

func ObserveInference(model string, took time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	inferenceTotal.WithLabelValues(model, status).Inc()
	inferenceSeconds.WithLabelValues(model).Observe(took.Seconds())
}

func ObserveApproval(approved bool, err error) {
	partition := "not-approved"
	if approved {
		partition = "approved"
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	approvalsTotal.WithLabelValues(partition, status).Inc()
}

func ObserveHTTP(route string, code int) {
	httpTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

func checkProcessInfo(p *process.Process) {
	if memInfo, err := p.MemoryInfo(); err == nil {
		memUsage.Set(float64(memInfo.RSS / 1024 / 1024))
	}
	if cpuPercent, err := p.CPUPercent(); err == nil {
		cpuUsage.Set(math.Round(cpuPercent*100) / 100)
	}
}

// StartMon samples process gauges until ctx is cancelled.
func StartMon(ctx context.Context, interval time.Duration) error {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return err
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			checkProcessInfo(p)
		}
	}
}
