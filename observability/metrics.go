package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "magiccoupon"

type routeMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	routeMetricsOnce sync.Once
	routeRegistry    *routeMetrics

	issuerMetricsOnce sync.Once
	issuerRegistry    *IssuerMetrics
)

// RouteMetrics returns the lazily-initialised registry used to record HTTP
// route activity of the coupon service.
func RouteMetrics() *routeMetrics {
	routeMetricsOnce.Do(func() {
		routeRegistry = &routeMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total coupon service requests segmented by route and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "errors_total",
				Help:      "Total coupon service errors segmented by route and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for coupon service handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Count of requests rejected by rate limiting.",
			}, []string{"route", "reason"}),
		}
		prometheus.MustRegister(
			routeRegistry.requests,
			routeRegistry.errors,
			routeRegistry.latency,
			routeRegistry.throttles,
		)
	})
	return routeRegistry
}

// Observe records the outcome of a request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *routeMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit".
func (m *routeMetrics) RecordThrottle(route, reason string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(route, reason).Inc()
}

// IssuerMetrics tracks coupon issuance and verification.
type IssuerMetrics struct {
	issued       *prometheus.CounterVec
	roleChecks   *prometheus.CounterVec
	verification *prometheus.CounterVec
	signLatency  prometheus.Histogram
}

// Issuer returns the singleton issuer metrics registry.
func Issuer() *IssuerMetrics {
	issuerMetricsOnce.Do(func() {
		issuerRegistry = &IssuerMetrics{
			issued: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "issuer",
				Name:      "coupons_total",
				Help:      "Coupons issued segmented by tier and outcome (new, replayed, rejected).",
			}, []string{"tier", "outcome"}),
			roleChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "issuer",
				Name:      "role_checks_total",
				Help:      "On-chain admin role checks segmented by result.",
			}, []string{"result"}),
			verification: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "issuer",
				Name:      "verifications_total",
				Help:      "Coupon verifications segmented by outcome.",
			}, []string{"outcome"}),
			signLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "issuer",
				Name:      "sign_duration_seconds",
				Help:      "Latency of hashing and signing a single coupon.",
				Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05},
			}),
		}
		prometheus.MustRegister(
			issuerRegistry.issued,
			issuerRegistry.roleChecks,
			issuerRegistry.verification,
			issuerRegistry.signLatency,
		)
	})
	return issuerRegistry
}

// RecordIssued counts an issuance outcome for tier.
func (m *IssuerMetrics) RecordIssued(tier, outcome string) {
	if m == nil {
		return
	}
	m.issued.WithLabelValues(labelOrUnknown(tier), labelOrUnknown(outcome)).Inc()
}

// RecordRoleCheck counts a role check. Result is "granted", "denied" or "error".
func (m *IssuerMetrics) RecordRoleCheck(result string) {
	if m == nil {
		return
	}
	m.roleChecks.WithLabelValues(labelOrUnknown(result)).Inc()
}

// RecordVerification counts a verification outcome.
func (m *IssuerMetrics) RecordVerification(outcome string) {
	if m == nil {
		return
	}
	m.verification.WithLabelValues(labelOrUnknown(outcome)).Inc()
}

// ObserveSign records the time spent producing one coupon.
func (m *IssuerMetrics) ObserveSign(d time.Duration) {
	if m == nil {
		return
	}
	m.signLatency.Observe(d.Seconds())
}

func labelOrUnknown(v string) string {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
