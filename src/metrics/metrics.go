// Package metrics 导出证书签发相关的 Prometheus 指标
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"me.sttot/certbot-k8s/src/models"
)

// Recorder 控制器使用的指标集合
type Recorder struct {
	registry *prometheus.Registry

	IssuanceTotal     *prometheus.CounterVec
	IssuanceDuration  prometheus.Histogram
	Phase             *prometheus.GaugeVec
	CertificateExpiry *prometheus.GaugeVec
}

// NewRecorder 创建并注册所有指标
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		IssuanceTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "certbot_k8s_issuance_total",
				Help: "Total number of certbot runs by result.",
			},
			[]string{"result"},
		),
		IssuanceDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "certbot_k8s_issuance_duration_seconds",
				Help:    "Duration of certbot runs in seconds.",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
		),
		Phase: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "certbot_k8s_phase",
				Help: "Current certificate lifecycle phase. 1 for the active phase, 0 otherwise.",
			},
			[]string{"phase"},
		),
		CertificateExpiry: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "certbot_k8s_certificate_expiry_timestamp_seconds",
				Help: "NotAfter of the published certificate as a unix timestamp.",
			},
			[]string{"hostname", "secret"},
		),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.IssuanceTotal,
		r.IssuanceDuration,
		r.Phase,
		r.CertificateExpiry,
	)
	return r
}

// ObserveIssuance 记录一次 certbot 执行
func (r *Recorder) ObserveIssuance(result string, d time.Duration) {
	r.IssuanceTotal.WithLabelValues(result).Inc()
	r.IssuanceDuration.Observe(d.Seconds())
}

// SetPhase 当前阶段置 1，其余置 0
func (r *Recorder) SetPhase(phase models.Phase) {
	for _, p := range models.Phases {
		v := 0.0
		if p == phase {
			v = 1
		}
		r.Phase.WithLabelValues(string(p)).Set(v)
	}
}

// SetCertificateExpiry 记录证书过期时间
func (r *Recorder) SetCertificateExpiry(hostname, secret string, notAfter time.Time) {
	r.CertificateExpiry.Reset()
	r.CertificateExpiry.WithLabelValues(hostname, secret).Set(float64(notAfter.Unix()))
}

// Handler 返回 /metrics 的 HTTP 处理器
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
