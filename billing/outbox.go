/*
outbox.go - Post-commit receipt notifications

PURPOSE:
  A payment is a financial fact; the receipt e-mail is a courtesy. The
  receipt message is written in the same transaction as the payment and
  delivered only after commit, so a notifier outage can neither roll back
  a payment nor lose the receipt.

FLOW:
  RecordPayment
    WithTx: MarkInstallmentPaid + EnqueueOutbox(payment_receipt)
    commit
    DeliverOutbox(msg)   best effort, failure logged
  scheduler.OutboxRelay
    PendingOutbox -> DeliverOutbox -> MarkOutboxSent / MarkOutboxFailed

SEE ALSO:
  - installment.go: enqueue
  - scheduler/outbox.go: retry loop
  - notify/: Notifier implementations
*/
package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type OutboxKind string

const (
	OutboxPaymentReceipt OutboxKind = "payment_receipt"
)

type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
	OutboxFailed  OutboxStatus = "failed"
)

type OutboxMessage struct {
	ID        string
	Kind      OutboxKind
	Payload   []byte
	Attempts  int
	Status    OutboxStatus
	LastError string
	CreatedAt time.Time
	SentAt    *time.Time
}

// Receipt is what the student is told after a payment.
type Receipt struct {
	InstallmentID     string        `json:"installment_id"`
	InstallmentNumber int           `json:"installment_number"`
	EnrollmentID      string        `json:"enrollment_id"`
	RecipientName     string        `json:"recipient_name"`
	RecipientEmail    string        `json:"recipient_email"`
	Amount            Money         `json:"amount"`
	Currency          string        `json:"currency"`
	Method            PaymentMethod `json:"method"`
	ReceiptNumber     string        `json:"receipt_number,omitempty"`
	PaidAt            time.Time     `json:"paid_at"`
	TotalPaid         Money         `json:"total_paid"`
	Balance           Money         `json:"balance"`
}

// Notifier delivers receipts. Implementations live in notify/.
type Notifier interface {
	SendReceipt(ctx context.Context, r Receipt) error
}

type noopNotifier struct{}

func (noopNotifier) SendReceipt(context.Context, Receipt) error { return nil }

// DeliverOutbox decodes msg and hands it to the engine's notifier.
// It does not touch the message's stored state.
func (e *Engine) DeliverOutbox(ctx context.Context, msg OutboxMessage) error {
	switch msg.Kind {
	case OutboxPaymentReceipt:
		var r Receipt
		if err := json.Unmarshal(msg.Payload, &r); err != nil {
			return fmt.Errorf("decode receipt %s: %w", msg.ID, err)
		}
		return e.notifier.SendReceipt(ctx, r)
	default:
		return fmt.Errorf("unknown outbox kind %q", msg.Kind)
	}
}

// deliverNow attempts delivery right after commit. On failure the message
// stays pending for the relay.
func (e *Engine) deliverNow(ctx context.Context, msg OutboxMessage) {
	if err := e.DeliverOutbox(ctx, msg); err != nil {
		e.log.Warn("receipt notification failed, left for relay",
			zap.String("outbox_id", msg.ID), zap.Error(err))
		if mErr := e.store.MarkOutboxFailed(ctx, msg.ID, err.Error(), false); mErr != nil {
			e.log.Error("record outbox failure", zap.String("outbox_id", msg.ID), zap.Error(mErr))
		}
		return
	}
	if err := e.store.MarkOutboxSent(ctx, msg.ID, e.now()); err != nil {
		e.log.Error("mark outbox sent", zap.String("outbox_id", msg.ID), zap.Error(err))
	}
}
