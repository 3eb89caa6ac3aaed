package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OrderMetrics содержит метрики жизненного цикла заказа аренды.
type OrderMetrics struct {
	// Счётчики операций
	ordersCreated     prometheus.Counter
	transitions       *prometheus.CounterVec
	conflicts         prometheus.Counter
	paymentsConfirmed prometheus.Counter
	refunds           prometheus.Counter

	// Гистограммы времени выполнения
	operationDuration *prometheus.HistogramVec

	// Счётчики событий аудит-следа
	historyEvents prometheus.Counter
	outboxEvents  prometheus.Counter

	// Gauge для заказов в активной аренде
	activeRentals prometheus.Gauge
}

// NewOrderMetrics создаёт новый экземпляр метрик заказов.
func NewOrderMetrics() *OrderMetrics {
	return newOrderMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

func newOrderMetricsWithRegisterer(registerer prometheus.Registerer) *OrderMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &OrderMetrics{
		ordersCreated: registerCounter(registerer, prometheus.CounterOpts{
			Name: "rentmarket_orders_created_total",
			Help: "Total number of rental orders created",
		}),
		transitions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "rentmarket_order_transitions_total",
			Help: "Total number of order status transitions by event",
		}, []string{"event"}),
		conflicts: registerCounter(registerer, prometheus.CounterOpts{
			Name: "rentmarket_availability_conflicts_total",
			Help: "Total number of approvals rejected by date conflicts",
		}),
		paymentsConfirmed: registerCounter(registerer, prometheus.CounterOpts{
			Name: "rentmarket_payments_confirmed_total",
			Help: "Total number of gateway payments confirmed",
		}),
		refunds: registerCounter(registerer, prometheus.CounterOpts{
			Name: "rentmarket_refunds_total",
			Help: "Total number of refunds issued",
		}),
		operationDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "rentmarket_order_operation_duration_seconds",
			Help:    "Duration of order lifecycle operations in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"operation"}),
		historyEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "rentmarket_history_events_total",
			Help: "Total number of order history events recorded",
		}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "rentmarket_outbox_events_total",
			Help: "Total number of outbox events enqueued",
		}),
		activeRentals: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "rentmarket_active_rentals",
			Help: "Number of orders currently in use",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordOrderCreated увеличивает счётчик созданных заказов.
func (m *OrderMetrics) RecordOrderCreated() {
	m.ordersCreated.Inc()
}

// RecordTransition увеличивает счётчик переходов по событию.
func (m *OrderMetrics) RecordTransition(event string) {
	m.transitions.WithLabelValues(event).Inc()
}

// RecordConflict увеличивает счётчик конфликтов доступности.
func (m *OrderMetrics) RecordConflict() {
	m.conflicts.Inc()
}

// RecordPaymentConfirmed увеличивает счётчик подтверждённых платежей.
func (m *OrderMetrics) RecordPaymentConfirmed() {
	m.paymentsConfirmed.Inc()
}

// RecordRefund увеличивает счётчик возвратов.
func (m *OrderMetrics) RecordRefund() {
	m.refunds.Inc()
}

// RecordOperationDuration записывает время выполнения операции.
func (m *OrderMetrics) RecordOperationDuration(operation string, duration time.Duration) {
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordHistoryEvent увеличивает счётчик событий аудит-следа.
func (m *OrderMetrics) RecordHistoryEvent() {
	m.historyEvents.Inc()
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *OrderMetrics) RecordOutboxEvent() {
	m.outboxEvents.Inc()
}

// RecordRentalStarted увеличивает количество активных аренд.
func (m *OrderMetrics) RecordRentalStarted() {
	m.activeRentals.Inc()
}

// RecordRentalFinished уменьшает количество активных аренд.
func (m *OrderMetrics) RecordRentalFinished() {
	m.activeRentals.Dec()
}
