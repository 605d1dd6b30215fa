package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/warp/billing-engine/billing"
)

// LogNotifier writes receipts to the log instead of sending them.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogNotifier{log: log.Named("billing.notify")}
}

func (n *LogNotifier) SendReceipt(_ context.Context, r billing.Receipt) error {
	places := billing.CurrencyPlaces(r.Currency)
	n.log.Info("payment receipt",
		zap.String("installment_id", r.InstallmentID),
		zap.Int("installment_number", r.InstallmentNumber),
		zap.String("enrollment_id", r.EnrollmentID),
		zap.String("to", r.RecipientEmail),
		zap.String("amount", r.Amount.StringFixed(places)),
		zap.String("currency", r.Currency),
		zap.String("method", string(r.Method)),
		zap.String("receipt_number", r.ReceiptNumber),
		zap.String("balance", r.Balance.StringFixed(places)),
	)
	return nil
}

var _ billing.Notifier = (*LogNotifier)(nil)
