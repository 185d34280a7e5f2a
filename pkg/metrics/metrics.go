package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// TradesExecuted counts executed trades by direction.
var TradesExecuted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "marketsim_trades_executed_total",
		Help: "Total number of trades executed by the engine",
	},
	[]string{"direction"},
)

// CascadeSize records how many correlated instruments each price move
// shocked.
var CascadeSize = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "marketsim_contagion_cascade_size",
		Help:    "Number of instruments shocked per contagion cascade",
		Buckets: []float64{0, 1, 2, 4, 8, 16, 32},
	},
)

// Standing-order lifecycle metrics
var (
	OrderFills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketsim_order_fills_total",
			Help: "Standing-order fills by resulting status",
		},
		[]string{"status"},
	)

	OrdersExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marketsim_orders_expired_total",
			Help: "Standing orders transitioned to EXPIRED by the sweep",
		},
	)

	StoreConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marketsim_store_conflicts_total",
			Help: "Optimistic version-check conflicts retried by the engine",
		},
	)
)

func init() {
	prometheus.MustRegister(TradesExecuted, CascadeSize)
	prometheus.MustRegister(OrderFills, OrdersExpired, StoreConflicts)
}
