/*
Package gateway confirms online payments with the payment provider before
they are recorded.

FLOW:
  POST /api/payments/gateway/midtrans/confirm {order_id, installment_id}
    CheckTransaction(order_id)
    settlement | capture (fraud_status != deny)
      -> engine.RecordPayment(ONLINE_PAYMENT, receipt MIDTRANS-<order_id>)
    anything else
      -> ErrPaymentNotSettled

The transaction status always comes from the provider, never from the
caller.
*/
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/coreapi"
	"go.uber.org/zap"

	"github.com/warp/billing-engine/billing"
)

var (
	// ErrPaymentNotSettled is a validation-category error: the caller asked
	// to record a payment the provider has not settled.
	ErrPaymentNotSettled = fmt.Errorf("payment not settled: %w", billing.ErrValidation)

	// ErrGatewayUnavailable wraps provider communication failures.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
)

// StatusChecker is the part of coreapi.Client the confirmer uses.
type StatusChecker interface {
	CheckTransaction(orderID string) (*coreapi.TransactionStatusResponse, *midtrans.Error)
}

// PaymentRecorder is satisfied by *billing.Engine.
type PaymentRecorder interface {
	RecordPayment(ctx context.Context, installmentID string, in billing.RecordPaymentInput) (*billing.PaymentResult, error)
}

// NewMidtransClient returns a Core API client for the given environment.
func NewMidtransClient(serverKey string, production bool) *coreapi.Client {
	env := midtrans.Sandbox
	if production {
		env = midtrans.Production
	}
	var c coreapi.Client
	c.New(serverKey, env)
	return &c
}

type MidtransConfirmer struct {
	checker  StatusChecker
	recorder PaymentRecorder
	log      *zap.Logger
}

func NewMidtransConfirmer(checker StatusChecker, recorder PaymentRecorder, log *zap.Logger) *MidtransConfirmer {
	if log == nil {
		log = zap.NewNop()
	}
	return &MidtransConfirmer{checker: checker, recorder: recorder, log: log.Named("billing.gateway")}
}

// Confirm records installmentID as paid if Midtrans reports orderID settled.
func (m *MidtransConfirmer) Confirm(ctx context.Context, orderID, installmentID, actor string) (*billing.PaymentResult, error) {
	if orderID == "" || installmentID == "" {
		return nil, fmt.Errorf("order_id and installment_id are required: %w", billing.ErrValidation)
	}

	status, mErr := m.checker.CheckTransaction(orderID)
	if mErr != nil {
		m.log.Warn("midtrans status check failed", zap.String("order_id", orderID), zap.Error(mErr))
		return nil, fmt.Errorf("%w: %s", ErrGatewayUnavailable, mErr.GetMessage())
	}
	if !settled(status) {
		m.log.Info("midtrans payment not settled",
			zap.String("order_id", orderID),
			zap.String("transaction_status", status.TransactionStatus),
			zap.String("fraud_status", status.FraudStatus))
		return nil, fmt.Errorf("%w: transaction status %q", ErrPaymentNotSettled, status.TransactionStatus)
	}

	res, err := m.recorder.RecordPayment(ctx, installmentID, billing.RecordPaymentInput{
		Method:          billing.MethodOnlinePayment,
		ReceiptNumber:   "MIDTRANS-" + orderID,
		ReferenceNumber: status.TransactionID,
		Notes:           "confirmed via Midtrans (" + status.PaymentType + ")",
		ActorID:         actor,
	})
	if err != nil {
		return nil, err
	}
	m.log.Info("midtrans payment recorded",
		zap.String("order_id", orderID),
		zap.String("installment_id", installmentID),
		zap.String("transaction_id", status.TransactionID))
	return res, nil
}

func settled(s *coreapi.TransactionStatusResponse) bool {
	if s == nil {
		return false
	}
	switch s.TransactionStatus {
	case "settlement", "capture":
		return s.FraudStatus != "deny"
	default:
		return false
	}
}
