package invoice

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInvoiceTemplateListsPaymentRows(t *testing.T) {
	r := NewPDFRenderer(nil)
	data := struct {
		Invoice
		Payments []PaymentLine
	}{
		Invoice: Invoice{
			Number:        "INV26080001",
			Status:        StatusPartiallyPaid,
			GrandTotal:    2360,
			PaidAmount:    1000,
			BalanceAmount: 1360,
		},
		Payments: []PaymentLine{
			{Method: "cash", Amount: 1000, PaidAt: time.Date(2026, 8, 14, 0, 0, 0, 0, time.UTC)},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, r.tmpl.Execute(&buf, data))
	require.Contains(t, buf.String(), "cash")
	require.Contains(t, buf.String(), "14 Aug 2026")
}
