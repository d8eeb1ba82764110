// Package metrics exposes engine counters and gauges to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fxengine"

// Registry holds the engine's collectors. A nil *Registry is valid and
// records nothing, so components can run without metrics.
type Registry struct {
	ordersAttempted *prometheus.CounterVec
	ordersPlaced    *prometheus.CounterVec
	ordersFailed    *prometheus.CounterVec
	ordersRetried   *prometheus.CounterVec
	signals         *prometheus.CounterVec
	rejections      *prometheus.CounterVec
	suspensions     *prometheus.CounterVec
	notifyDropped   prometheus.Counter
	journalErrors   prometheus.Counter

	equity           prometheus.Gauge
	drawdown         prometheus.Gauge
	dailyPnL         prometheus.Gauge
	openPositions    prometheus.Gauge
	tradingSuspended prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		ordersAttempted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_attempted_total", Help: "Broker calls attempted, by operation",
		}, []string{"op"}),
		ordersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_succeeded_total", Help: "Broker calls that succeeded, by operation",
		}, []string{"op"}),
		ordersFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_failed_total", Help: "Broker calls that failed after retries, by operation and error code",
		}, []string{"op", "code"}),
		ordersRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_retried_total", Help: "Retries after transient broker errors",
		}, []string{"op"}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "signals_total", Help: "Signals evaluated, by instrument and direction",
		}, []string{"instrument", "direction"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "pretrade_rejections_total", Help: "Pre-trade check rejections, by reason",
		}, []string{"reason"}),
		suspensions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "suspensions_total", Help: "Trading suspensions, by reason",
		}, []string{"reason"}),
		notifyDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_dropped_total", Help: "Notifications dropped because the queue was full",
		}),
		journalErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "journal_errors_total", Help: "Failed trade journal writes",
		}),
		equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "account_equity", Help: "Latest account equity",
		}),
		drawdown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "drawdown_ratio", Help: "Drawdown from peak equity",
		}),
		dailyPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "daily_pnl", Help: "Realized profit and loss for the trading day",
		}),
		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "open_positions", Help: "Positions currently open",
		}),
		tradingSuspended: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "trading_suspended", Help: "1 while new orders are blocked",
		}),
	}
	reg.MustRegister(
		r.ordersAttempted, r.ordersPlaced, r.ordersFailed, r.ordersRetried,
		r.signals, r.rejections, r.suspensions, r.notifyDropped, r.journalErrors,
		r.equity, r.drawdown, r.dailyPnL, r.openPositions, r.tradingSuspended,
	)
	return r
}

// Handler serves the registry's metrics.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (r *Registry) OrderAttempt(op string) {
	if r != nil {
		r.ordersAttempted.WithLabelValues(op).Inc()
	}
}

func (r *Registry) OrderSucceeded(op string) {
	if r != nil {
		r.ordersPlaced.WithLabelValues(op).Inc()
	}
}

func (r *Registry) OrderFailed(op, code string) {
	if r != nil {
		if code == "" {
			code = "unknown"
		}
		r.ordersFailed.WithLabelValues(op, code).Inc()
	}
}

func (r *Registry) OrderRetried(op string) {
	if r != nil {
		r.ordersRetried.WithLabelValues(op).Inc()
	}
}

func (r *Registry) Signal(instrument, direction string) {
	if r != nil {
		r.signals.WithLabelValues(instrument, direction).Inc()
	}
}

func (r *Registry) Rejection(reason string) {
	if r != nil {
		r.rejections.WithLabelValues(reason).Inc()
	}
}

func (r *Registry) Suspension(reason string) {
	if r != nil {
		r.suspensions.WithLabelValues(reason).Inc()
	}
}

func (r *Registry) NotificationDropped() {
	if r != nil {
		r.notifyDropped.Inc()
	}
}

func (r *Registry) JournalError() {
	if r != nil {
		r.journalErrors.Inc()
	}
}

// Account records the account gauges in one call.
func (r *Registry) Account(equity, drawdown, dailyPnL float64, open int, suspended bool) {
	if r == nil {
		return
	}
	r.equity.Set(equity)
	r.drawdown.Set(drawdown)
	r.dailyPnL.Set(dailyPnL)
	r.openPositions.Set(float64(open))
	if suspended {
		r.tradingSuspended.Set(1)
	} else {
		r.tradingSuspended.Set(0)
	}
}
