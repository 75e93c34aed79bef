package invoice

import (
	"bytes"
	"context"
	"fmt"
	"html/template"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/gearbox-erp/gearbox-erp/report"
)

// PDFRenderer renders invoices to PDF through Gotenberg. Amounts are
// formatted with Indian digit grouping.
type PDFRenderer struct {
	client  *report.Client
	tmpl    *template.Template
	printer *message.Printer
}

func NewPDFRenderer(client *report.Client) *PDFRenderer {
	r := &PDFRenderer{
		client:  client,
		printer: message.NewPrinter(language.MustParse("en-IN")),
	}
	r.tmpl = template.Must(template.New("invoice").Funcs(template.FuncMap{
		"money": r.money,
	}).Parse(invoiceTemplate))
	return r
}

func (r *PDFRenderer) money(v float64) string {
	return r.printer.Sprintf("₹%.2f", v)
}

func (r *PDFRenderer) Render(ctx context.Context, inv Invoice, payments []PaymentLine) ([]byte, error) {
	var buf bytes.Buffer
	data := struct {
		Invoice
		Payments []PaymentLine
	}{Invoice: inv, Payments: payments}
	if err := r.tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("invoice pdf: execute template: %w", err)
	}
	return r.client.RenderHTML(ctx, buf.String())
}

const invoiceTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<style>
  body { font-family: Helvetica, Arial, sans-serif; font-size: 12px; color: #111; }
  h1 { font-size: 18px; margin-bottom: 0; }
  .meta { margin: 12px 0; }
  table { width: 100%; border-collapse: collapse; margin-top: 12px; }
  th, td { border: 1px solid #999; padding: 6px 8px; text-align: left; }
  td.amount, th.amount { text-align: right; }
  .totals td { border: none; }
  .totals tr.grand td { font-weight: bold; border-top: 2px solid #111; }
  .status { float: right; font-size: 14px; font-weight: bold; }
</style>
</head>
<body>
  <span class="status">{{.Status}}</span>
  <h1>Tax Invoice {{.Number}}</h1>
  <div class="meta">
    <div>Job card: {{.JobNumber}}</div>
    <div>Customer: {{.Customer.Name}}{{with .Customer.Phone}} ({{.}}){{end}}</div>
    <div>Vehicle: {{.Vehicle.Make}} {{.Vehicle.Model}} — {{.Vehicle.Registration}}</div>
    <div>Issued: {{.IssuedAt.Format "02 Jan 2006"}} · Due: {{.DueDate.Format "02 Jan 2006"}}</div>
  </div>
  <table>
    <tr><th>Item</th><th>Type</th><th class="amount">Qty</th><th class="amount">Rate</th><th class="amount">Total</th></tr>
    {{range .Items}}
    <tr>
      <td>{{.Name}}</td>
      <td>{{.Type}}</td>
      <td class="amount">{{.Quantity}}</td>
      <td class="amount">{{money .UnitPrice}}</td>
      <td class="amount">{{money .Total}}</td>
    </tr>
    {{end}}
  </table>
  <table class="totals">
    <tr><td>Subtotal</td><td class="amount">{{money .Subtotal}}</td></tr>
    {{if gt .Discount 0.0}}<tr><td>Discount{{with .DiscountNote}} ({{.}}){{end}}</td><td class="amount">-{{money .Discount}}</td></tr>{{end}}
    <tr><td>CGST @ {{.CGSTRate}}%</td><td class="amount">{{money .CGSTAmount}}</td></tr>
    <tr><td>SGST @ {{.SGSTRate}}%</td><td class="amount">{{money .SGSTAmount}}</td></tr>
    <tr class="grand"><td>Grand total</td><td class="amount">{{money .GrandTotal}}</td></tr>
    <tr><td>Paid</td><td class="amount">{{money .PaidAmount}}</td></tr>
    <tr><td>Balance due</td><td class="amount">{{money .BalanceAmount}}</td></tr>
  </table>
  {{if .Payments}}
  <table>
    <tr><th>Payment</th><th class="amount">Amount</th><th>Received</th></tr>
    {{range .Payments}}
    <tr>
      <td>{{.Method}}</td>
      <td class="amount">{{money .Amount}}</td>
      <td>{{.PaidAt.Format "02 Jan 2006"}}</td>
    </tr>
    {{end}}
  </table>
  {{end}}
</body>
</html>`
