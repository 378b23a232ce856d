package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/marketplace/internal/idgen"
	"github.com/mbd888/marketplace/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	emitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Webhook emit attempts by event type.",
	}, []string{"event_type"})

	emitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Webhook emits that could not look up subscribers.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(emitTotal, emitErrors)
}

// Emitter turns escrow and refund lifecycle callbacks into webhook
// events. Every method is fire-and-forget: failures are logged, never
// returned. A nil Emitter is a no-op.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
	now    func() time.Time
}

func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{d: d, logger: logger, now: time.Now}
}

func (e *Emitter) emit(ownerID string, eventType EventType, data map[string]any) {
	if e == nil || e.d == nil || ownerID == "" {
		return
	}
	emitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: e.now().UTC(),
		Data:      data,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := e.d.DispatchToOwner(ctx, ownerID, event); err != nil {
		emitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("webhook emit failed", "event", eventType, "owner_id", ownerID, "error", err)
	}
}

// --- Escrow events ---

func (e *Emitter) EmitEscrowCreated(buyerID, paymentID, orderID, amount string) {
	e.emit(buyerID, EventEscrowCreated, map[string]any{
		"escrowId": paymentID,
		"orderId":  orderID,
		"amount":   amount,
	})
}

// EmitAllocationReleased notifies the store whose shipment was paid out.
func (e *Emitter) EmitAllocationReleased(storeID, paymentID, shipmentID, netPayout string) {
	e.emit(storeID, EventEscrowReleased, map[string]any{
		"escrowId":   paymentID,
		"shipmentId": shipmentID,
		"netPayout":  netPayout,
	})
}

func (e *Emitter) EmitEscrowRefunded(buyerID, paymentID, orderID, amount string) {
	e.emit(buyerID, EventEscrowRefunded, map[string]any{
		"escrowId": paymentID,
		"orderId":  orderID,
		"amount":   amount,
	})
}

// --- Refund events ---

func (e *Emitter) EmitRefundCompleted(buyerID, refundID, orderID, amount string) {
	e.emit(buyerID, EventRefundCompleted, map[string]any{
		"refundId": refundID,
		"orderId":  orderID,
		"amount":   amount,
	})
}

// EmitRefundFailed notifies whoever initiated the refund.
func (e *Emitter) EmitRefundFailed(initiatorID, refundID, orderID, errorCode string) {
	e.emit(initiatorID, EventRefundFailed, map[string]any{
		"refundId":  refundID,
		"orderId":   orderID,
		"errorCode": errorCode,
	})
}

// EmitAuditInconsistent alerts the operator account about a ledger that
// disagrees with its aggregate.
func (e *Emitter) EmitAuditInconsistent(operatorID, paymentID, orderID string, issues []string) {
	e.emit(operatorID, EventAuditInconsistent, map[string]any{
		"escrowId": paymentID,
		"orderId":  orderID,
		"issues":   issues,
	})
}
