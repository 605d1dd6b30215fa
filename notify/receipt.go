/*
Package notify delivers payment receipts.

IMPLEMENTATIONS:
  SendGridNotifier  e-mail via the SendGrid v3 API (production)
  LogNotifier       writes receipts to the log (development default)

Both satisfy billing.Notifier and are called after the payment has
committed. An error leaves the outbox message pending for the relay.
*/
package notify

import (
	"bytes"
	"fmt"
	htmltmpl "html/template"
	texttmpl "text/template"

	"github.com/warp/billing-engine/billing"
)

// RenderedReceipt is a receipt ready to hand to a mail transport.
type RenderedReceipt struct {
	Subject string
	Text    string
	HTML    string
}

type receiptData struct {
	billing.Receipt
	AmountText    string
	TotalPaidText string
	BalanceText   string
	PaidOn        string
}

const receiptText = `Dear {{.RecipientName}},

We received your payment for installment #{{.InstallmentNumber}}.

Amount:         {{.AmountText}}
Method:         {{.Method}}
{{- if .ReceiptNumber}}
Receipt number: {{.ReceiptNumber}}
{{- end}}
Paid on:        {{.PaidOn}}

Total paid:     {{.TotalPaidText}}
Balance:        {{.BalanceText}}
`

const receiptHTML = `<p>Dear {{.RecipientName}},</p>
<p>We received your payment for installment #{{.InstallmentNumber}}.</p>
<table>
<tr><td>Amount</td><td>{{.AmountText}}</td></tr>
<tr><td>Method</td><td>{{.Method}}</td></tr>
{{- if .ReceiptNumber}}
<tr><td>Receipt number</td><td>{{.ReceiptNumber}}</td></tr>
{{- end}}
<tr><td>Paid on</td><td>{{.PaidOn}}</td></tr>
<tr><td>Total paid</td><td>{{.TotalPaidText}}</td></tr>
<tr><td>Balance</td><td>{{.BalanceText}}</td></tr>
</table>
`

var (
	textTemplate = texttmpl.Must(texttmpl.New("receipt.txt").Parse(receiptText))
	htmlTemplate = htmltmpl.Must(htmltmpl.New("receipt.gohtml").Parse(receiptHTML))
)

// RenderReceipt formats r as plain text and HTML.
func RenderReceipt(r billing.Receipt) (RenderedReceipt, error) {
	places := billing.CurrencyPlaces(r.Currency)
	money := func(m billing.Money) string {
		return fmt.Sprintf("%s %s", m.StringFixed(places), r.Currency)
	}
	data := receiptData{
		Receipt:       r,
		AmountText:    money(r.Amount),
		TotalPaidText: money(r.TotalPaid),
		BalanceText:   money(r.Balance),
		PaidOn:        r.PaidAt.Format("2 January 2006"),
	}

	var text, html bytes.Buffer
	if err := textTemplate.Execute(&text, data); err != nil {
		return RenderedReceipt{}, fmt.Errorf("render text receipt: %w", err)
	}
	if err := htmlTemplate.Execute(&html, data); err != nil {
		return RenderedReceipt{}, fmt.Errorf("render html receipt: %w", err)
	}
	return RenderedReceipt{
		Subject: fmt.Sprintf("Payment receipt: installment #%d", r.InstallmentNumber),
		Text:    text.String(),
		HTML:    html.String(),
	}, nil
}
