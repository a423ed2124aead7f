package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "xray_agent"

// 丢弃原因
const (
	ReasonUnsampled = "unsampled"
	ReasonEncode    = "encode"
	ReasonOversize  = "oversize"
)

// 内部可观测性只走这里：agent 的任何失败都不会以 error 形式返回给业务
var (
	DocumentsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "documents_sent_total",
		Help:      "Wire documents handed to the daemon transport.",
	})
	DocumentsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "documents_dropped_total",
		Help:      "Documents dropped before transmission, by reason.",
	}, []string{"reason"})
	EncodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "encode_errors_total",
		Help:      "Entity documents that failed to serialize.",
	})
	SendErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "send_errors_total",
		Help:      "Datagram writes that failed.",
	})
	SamplingDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sampling_decisions_total",
		Help:      "Sampling decisions taken at trace root creation.",
	}, []string{"decision"})
	RuleRefreshFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rule_refresh_failures_total",
		Help:      "Sampling rule refreshes that kept the previous rule set.",
	})
	Misuse = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "misuse_total",
		Help:      "Hook calls ignored because of caller misuse.",
	}, []string{"kind"})
	AbandonedSegments = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "abandoned_segments_total",
		Help:      "Root segments force-closed after the idle ceiling.",
	})
	OpenSegments = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "open_segments",
		Help:      "Root segments currently open.",
	})
)

func Dropped(reason string) {
	DocumentsDropped.WithLabelValues(reason).Inc()
}

func Decision(sampled bool) {
	if sampled {
		SamplingDecisions.WithLabelValues("sampled").Inc()
		return
	}
	SamplingDecisions.WithLabelValues("not_sampled").Inc()
}
