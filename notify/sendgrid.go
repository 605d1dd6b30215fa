package notify

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"

	"github.com/warp/billing-engine/billing"
)

var (
	sendgridHost     = "https://api.sendgrid.com"
	sendgridEndpoint = "/v3/mail/send"
)

// SendGridNotifier e-mails receipts through SendGrid.
type SendGridNotifier struct {
	key  string
	from *sgmail.Email
	log  *zap.Logger
	send func(rest.Request) (*rest.Response, error)
}

// SendGridOption configures a SendGridNotifier.
type SendGridOption func(*SendGridNotifier)

// WithSendFunc replaces the HTTP call, for tests.
func WithSendFunc(fn func(rest.Request) (*rest.Response, error)) SendGridOption {
	return func(n *SendGridNotifier) { n.send = fn }
}

func NewSendGridNotifier(apiKey, fromAddress, fromName string, log *zap.Logger, opts ...SendGridOption) *SendGridNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	n := &SendGridNotifier{
		key:  apiKey,
		from: sgmail.NewEmail(fromName, fromAddress),
		log:  log.Named("billing.notify.sendgrid"),
		send: sendgrid.API,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// SendReceipt renders and sends r. Receipts without a recipient address
// are skipped.
func (n *SendGridNotifier) SendReceipt(ctx context.Context, r billing.Receipt) error {
	if r.RecipientEmail == "" {
		n.log.Info("receipt has no recipient address, skipped",
			zap.String("installment_id", r.InstallmentID))
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := n.prepare(r)
	if err != nil {
		return err
	}
	req := sendgrid.GetRequest(n.key, sendgridEndpoint, sendgridHost)
	req.Method = http.MethodPost
	req.Body = sgmail.GetRequestBody(msg)

	res, err := n.send(req)
	if err != nil {
		return fmt.Errorf("sending receipt: %w", err)
	}
	if res.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("sending receipt - status: %d - body: %s", res.StatusCode, res.Body)
	}
	n.log.Debug("receipt sent",
		zap.String("installment_id", r.InstallmentID),
		zap.String("to", r.RecipientEmail))
	return nil
}

func (n *SendGridNotifier) prepare(r billing.Receipt) (*sgmail.SGMailV3, error) {
	rendered, err := RenderReceipt(r)
	if err != nil {
		return nil, err
	}

	p := sgmail.NewPersonalization()
	p.Subject = rendered.Subject
	p.AddTos(sgmail.NewEmail(r.RecipientName, r.RecipientEmail))

	m := sgmail.NewV3Mail()
	m.SetFrom(n.from)
	m.AddPersonalizations(p)
	m.AddContent(
		sgmail.NewContent("text/plain", rendered.Text),
		sgmail.NewContent("text/html", rendered.HTML),
	)
	return m, nil
}

var _ billing.Notifier = (*SendGridNotifier)(nil)
