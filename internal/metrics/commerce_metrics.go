package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CommerceMetrics содержит метрики транзакционного ядра.
// Все методы безопасны для nil-получателя: сервисы могут работать без метрик.
type CommerceMetrics struct {
	// Склад
	inventoryMutations *prometheus.CounterVec

	// Заказы
	ordersCreated    prometheus.Counter
	orderTransitions *prometheus.CounterVec

	// Платежи и webhook-и
	webhookEvents  *prometheus.CounterVec
	webhookRetries *prometheus.CounterVec

	// Возвраты и выплаты
	refunds       *prometheus.CounterVec
	restockFailed prometheus.Counter
	payouts       *prometheus.CounterVec
	payoutCycles  *prometheus.CounterVec

	operationDuration *prometheus.HistogramVec
}

// NewCommerceMetrics регистрирует метрики в DefaultRegisterer.
func NewCommerceMetrics() *CommerceMetrics {
	return NewCommerceMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewCommerceMetricsWithRegisterer регистрирует метрики в переданном реестре.
func NewCommerceMetricsWithRegisterer(registerer prometheus.Registerer) *CommerceMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &CommerceMetrics{
		inventoryMutations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "commerce_inventory_mutations_total",
			Help: "Inventory mutations grouped by type and result.",
		}, []string{"type", "result"}),
		ordersCreated: registerCounter(registerer, prometheus.CounterOpts{
			Name: "commerce_orders_created_total",
			Help: "Total number of orders created.",
		}),
		orderTransitions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "commerce_order_transitions_total",
			Help: "Order status transitions grouped by target status.",
		}, []string{"to"}),
		webhookEvents: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "commerce_webhook_events_total",
			Help: "Payment webhook events grouped by outcome.",
		}, []string{"outcome"}),
		webhookRetries: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "commerce_webhook_retries_total",
			Help: "Webhook retry attempts grouped by result.",
		}, []string{"result"}),
		refunds: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "commerce_refunds_total",
			Help: "Refund workflow steps grouped by result.",
		}, []string{"result"}),
		restockFailed: registerCounter(registerer, prometheus.CounterOpts{
			Name: "commerce_refund_restock_failed_total",
			Help: "Refund items whose restock failed and were handed to ops.",
		}),
		payouts: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "commerce_payouts_total",
			Help: "Payout attempts grouped by resulting status.",
		}, []string{"status"}),
		payoutCycles: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "commerce_payout_cycles_total",
			Help: "Payout cycle runs grouped by resulting cycle status.",
		}, []string{"status"}),
		operationDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "commerce_operation_duration_seconds",
			Help:    "Duration of transactional operations in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"operation"}),
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

// RecordInventoryMutation учитывает мутацию склада: applied, idempotent или rejected.
func (m *CommerceMetrics) RecordInventoryMutation(typ, result string) {
	if m == nil {
		return
	}
	m.inventoryMutations.WithLabelValues(typ, result).Inc()
}

// RecordOrderCreated увеличивает счётчик созданных заказов.
func (m *CommerceMetrics) RecordOrderCreated() {
	if m == nil {
		return
	}
	m.ordersCreated.Inc()
}

// RecordOrderTransition учитывает переход заказа в статус to.
func (m *CommerceMetrics) RecordOrderTransition(to string) {
	if m == nil {
		return
	}
	m.orderTransitions.WithLabelValues(to).Inc()
}

// RecordWebhook учитывает итог приёма или обработки webhook-а.
func (m *CommerceMetrics) RecordWebhook(outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(outcome).Inc()
}

// RecordWebhookRetry учитывает попытку повторной обработки.
func (m *CommerceMetrics) RecordWebhookRetry(result string) {
	if m == nil {
		return
	}
	m.webhookRetries.WithLabelValues(result).Inc()
}

// RecordRefund учитывает шаг процесса возврата.
func (m *CommerceMetrics) RecordRefund(result string) {
	if m == nil {
		return
	}
	m.refunds.WithLabelValues(result).Inc()
}

// RecordRestockFailed учитывает позиции, переданные на ручную сверку.
func (m *CommerceMetrics) RecordRestockFailed(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.restockFailed.Add(float64(count))
}

// RecordPayout учитывает выплату по итоговому статусу.
func (m *CommerceMetrics) RecordPayout(status string) {
	if m == nil {
		return
	}
	m.payouts.WithLabelValues(status).Inc()
}

// RecordPayoutCycle учитывает прогон выплат по циклу.
func (m *CommerceMetrics) RecordPayoutCycle(status string) {
	if m == nil {
		return
	}
	m.payoutCycles.WithLabelValues(status).Inc()
}

// ObserveOperation записывает длительность операции.
func (m *CommerceMetrics) ObserveOperation(operation string, duration time.Duration) {
	if m == nil {
		return
	}
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}
