package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "phonemarket"

// 刷新结果
const (
	RefreshApplied = "applied"
	RefreshFailed  = "failed"
	RefreshStale   = "stale"
)

// Metrics 各组件共用的采集器，nil 接收者时所有方法为空操作
type Metrics struct {
	refreshTotal     *prometheus.CounterVec
	refreshDuration  prometheus.Histogram
	refreshCoalesced prometheus.Counter
	devices          prometheus.Gauge
	txTotal          *prometheus.CounterVec
	txPending        prometheus.Gauge
	sessionStatus    *prometheus.GaugeVec
	chainEvents      *prometheus.CounterVec
	rpcErrors        *prometheus.CounterVec
}

// New 创建并注册采集器，reg 为 nil 时使用默认注册表
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		refreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "refresh_total",
			Help:      "Refresh cycles by outcome (applied, failed, stale).",
		}, []string{"outcome"}),
		refreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "refresh_duration_seconds",
			Help:      "Wall time of one full refresh cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		refreshCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "refresh_coalesced_total",
			Help:      "Refresh requests absorbed by an in-flight cycle.",
		}),
		devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "devices",
			Help:      "Devices in the applied snapshot.",
		}),
		txTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "txn",
			Name:      "transitions_total",
			Help:      "Transaction state transitions by kind and state.",
		}, []string{"kind", "state"}),
		txPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "txn",
			Name:      "pending",
			Help:      "Transactions awaiting settlement.",
		}),
		sessionStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "status",
			Help:      "1 for the current session status, 0 otherwise.",
		}, []string{"status"}),
		chainEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "events_total",
			Help:      "Contract events received by kind.",
		}, []string{"kind"}),
		rpcErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "rpc_errors_total",
			Help:      "Failed remote calls by method.",
		}, []string{"method"}),
	}

	reg.MustRegister(
		m.refreshTotal,
		m.refreshDuration,
		m.refreshCoalesced,
		m.devices,
		m.txTotal,
		m.txPending,
		m.sessionStatus,
		m.chainEvents,
		m.rpcErrors,
	)
	return m
}

// ObserveRefresh 记录一次刷新周期
func (m *Metrics) ObserveRefresh(outcome string, seconds float64, devices int) {
	if m == nil {
		return
	}
	m.refreshTotal.WithLabelValues(outcome).Inc()
	m.refreshDuration.Observe(seconds)
	if outcome == RefreshApplied {
		m.devices.Set(float64(devices))
	}
}

// RefreshCoalesced 记录被合并的刷新请求
func (m *Metrics) RefreshCoalesced() {
	if m == nil {
		return
	}
	m.refreshCoalesced.Inc()
}

// TxTransition 记录交易状态迁移
func (m *Metrics) TxTransition(kind, state string, pending int) {
	if m == nil {
		return
	}
	m.txTotal.WithLabelValues(kind, state).Inc()
	m.txPending.Set(float64(pending))
}

// SessionStatus 更新会话状态
func (m *Metrics) SessionStatus(current string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.sessionStatus.WithLabelValues(s).Set(v)
	}
}

// ChainEvent 记录收到的合约事件
func (m *Metrics) ChainEvent(kind string) {
	if m == nil {
		return
	}
	m.chainEvents.WithLabelValues(kind).Inc()
}

// RPCError 记录远程调用失败
func (m *Metrics) RPCError(method string) {
	if m == nil {
		return
	}
	m.rpcErrors.WithLabelValues(method).Inc()
}
