package gateway_test

import (
	"context"
	"testing"

	"github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/coreapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/gateway"
)

type fakeChecker struct {
	status *coreapi.TransactionStatusResponse
	err    *midtrans.Error
}

func (f fakeChecker) CheckTransaction(string) (*coreapi.TransactionStatusResponse, *midtrans.Error) {
	return f.status, f.err
}

type fakeRecorder struct {
	calls []billing.RecordPaymentInput
	ids   []string
}

func (f *fakeRecorder) RecordPayment(_ context.Context, id string, in billing.RecordPaymentInput) (*billing.PaymentResult, error) {
	f.ids = append(f.ids, id)
	f.calls = append(f.calls, in)
	return &billing.PaymentResult{}, nil
}

func TestConfirm_RecordsSettledPayment(t *testing.T) {
	// GIVEN: a settled transaction
	rec := &fakeRecorder{}
	c := gateway.NewMidtransConfirmer(fakeChecker{status: &coreapi.TransactionStatusResponse{
		TransactionID:     "tx-77",
		TransactionStatus: "settlement",
		FraudStatus:       "accept",
		PaymentType:       "bank_transfer",
	}}, rec, nil)

	// WHEN
	_, err := c.Confirm(context.Background(), "ORDER-1", "inst-1", "admin-1")

	// THEN
	require.NoError(t, err)
	require.Len(t, rec.calls, 1)
	assert.Equal(t, "inst-1", rec.ids[0])
	assert.Equal(t, billing.MethodOnlinePayment, rec.calls[0].Method)
	assert.Equal(t, "MIDTRANS-ORDER-1", rec.calls[0].ReceiptNumber)
	assert.Equal(t, "tx-77", rec.calls[0].ReferenceNumber)
	assert.Equal(t, "admin-1", rec.calls[0].ActorID)
}

func TestConfirm_RejectsUnsettled(t *testing.T) {
	tests := []struct {
		name   string
		status string
		fraud  string
	}{
		{name: "pending", status: "pending"},
		{name: "expired", status: "expire"},
		{name: "capture denied by fraud check", status: "capture", fraud: "deny"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &fakeRecorder{}
			c := gateway.NewMidtransConfirmer(fakeChecker{status: &coreapi.TransactionStatusResponse{
				TransactionStatus: tt.status,
				FraudStatus:       tt.fraud,
			}}, rec, nil)

			_, err := c.Confirm(context.Background(), "ORDER-1", "inst-1", "admin-1")

			assert.ErrorIs(t, err, gateway.ErrPaymentNotSettled)
			assert.True(t, billing.IsValidation(err))
			assert.Empty(t, rec.calls)
		})
	}
}

func TestConfirm_GatewayError(t *testing.T) {
	rec := &fakeRecorder{}
	c := gateway.NewMidtransConfirmer(fakeChecker{err: &midtrans.Error{Message: "timeout", StatusCode: 504}}, rec, nil)

	_, err := c.Confirm(context.Background(), "ORDER-1", "inst-1", "admin-1")

	assert.ErrorIs(t, err, gateway.ErrGatewayUnavailable)
	assert.False(t, billing.IsClientError(err))
	assert.Empty(t, rec.calls)
}

func TestConfirm_RequiresIDs(t *testing.T) {
	c := gateway.NewMidtransConfirmer(fakeChecker{}, &fakeRecorder{}, nil)

	_, err := c.Confirm(context.Background(), "", "inst-1", "admin-1")

	assert.True(t, billing.IsValidation(err))
}
