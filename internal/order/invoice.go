package order

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/go-pdf/fpdf"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"erp/ecommerce/buildmart/internal/auth"
	"erp/ecommerce/buildmart/internal/platform/apperr"
)

// Invoice renders order id as a PDF for its customer or an admin.
func (s *Service) Invoice(ctx context.Context, caller auth.Principal, id string) (string, []byte, error) {
	o, err := s.load(ctx, id)
	if err != nil {
		return "", nil, err
	}
	if o.CustomerID != caller.ID && !caller.IsAdmin() {
		return "", nil, apperr.Forbidden("not authorized to download this invoice")
	}
	customer := auth.User{ID: o.CustomerID}
	if s.customers != nil {
		if u, err := s.customers.Get(ctx, o.CustomerID); err == nil {
			customer = u
		} else {
			s.log.Warn().Err(err).Str("order_id", o.ID).Msg("invoice customer lookup")
		}
	}
	raw, err := renderInvoice(o, customer, s.currency)
	if err != nil {
		return "", nil, apperr.Wrap(apperr.CodeInternal, "could not render invoice", err)
	}
	return "invoice-" + o.OrderNumber + ".pdf", raw, nil
}

type moneyFormatter struct {
	p    *message.Printer
	code string
}

func newMoneyFormatter(code string) moneyFormatter {
	unit, err := currency.ParseISO(strings.ToUpper(code))
	label := strings.ToUpper(code)
	if err == nil {
		label = unit.String()
	}
	return moneyFormatter{p: message.NewPrinter(language.English), code: label}
}

func (m moneyFormatter) format(v float64) string {
	return m.p.Sprintf("%s %.2f", m.code, v)
}

func renderInvoice(o Order, customer auth.User, code string) ([]byte, error) {
	money := newMoneyFormatter(code)

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Invoice "+o.OrderNumber, true)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 20)
	pdf.CellFormat(0, 10, "BuildMart", "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	pdf.CellFormat(0, 6, "Construction materials marketplace", "", 1, "L", false, 0, "")
	pdf.Ln(4)

	pdf.SetFont("Helvetica", "B", 14)
	pdf.CellFormat(0, 8, "INVOICE", "", 1, "R", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	pdf.CellFormat(0, 5, "Invoice #: "+o.OrderNumber, "", 1, "R", false, 0, "")
	pdf.CellFormat(0, 5, "Date: "+o.CreatedAt.Format("2006-01-02"), "", 1, "R", false, 0, "")
	pdf.CellFormat(0, 5, "Status: "+o.OrderStatus, "", 1, "R", false, 0, "")
	pdf.Ln(4)

	pdf.SetFont("Helvetica", "B", 11)
	pdf.CellFormat(0, 6, "Bill To:", "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	if customer.Name != "" {
		pdf.CellFormat(0, 5, customer.Name, "", 1, "L", false, 0, "")
	}
	if customer.Email != "" {
		pdf.CellFormat(0, 5, customer.Email, "", 1, "L", false, 0, "")
	}
	a := o.ShippingAddress
	pdf.CellFormat(0, 5, a.Street, "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 5, strings.Trim(strings.Join([]string{a.City, a.State, a.ZipCode}, ", "), ", "), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 5, a.Country, "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 5, "Phone: "+a.Phone, "", 1, "L", false, 0, "")
	pdf.Ln(6)

	widths := []float64{85, 20, 20, 30, 35}
	pdf.SetFont("Helvetica", "B", 10)
	pdf.SetFillColor(230, 230, 230)
	for i, h := range []string{"Item", "Qty", "Tier", "Unit Price", "Amount"} {
		align := "R"
		if i == 0 {
			align = "L"
		}
		pdf.CellFormat(widths[i], 7, h, "1", 0, align, true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 10)
	for _, it := range o.Items {
		pdf.CellFormat(widths[0], 6, it.Name, "1", 0, "L", false, 0, "")
		pdf.CellFormat(widths[1], 6, fmt.Sprint(it.Quantity), "1", 0, "R", false, 0, "")
		pdf.CellFormat(widths[2], 6, it.PriceType, "1", 0, "R", false, 0, "")
		pdf.CellFormat(widths[3], 6, money.format(it.Price), "1", 0, "R", false, 0, "")
		pdf.CellFormat(widths[4], 6, money.format(it.Price*float64(it.Quantity)), "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}
	pdf.Ln(4)

	total := func(label string, v float64, bold bool) {
		style := ""
		if bold {
			style = "B"
		}
		pdf.SetFont("Helvetica", style, 10)
		pdf.CellFormat(widths[0]+widths[1]+widths[2]+widths[3], 6, label, "", 0, "R", false, 0, "")
		pdf.CellFormat(widths[4], 6, money.format(v), "", 1, "R", false, 0, "")
	}
	total("Subtotal", o.Pricing.Subtotal, false)
	if o.Pricing.Discount > 0 {
		total("Discount", -o.Pricing.Discount, false)
	}
	total("Tax", o.Pricing.Tax, false)
	total("Shipping", o.Pricing.Shipping, false)
	total("Total", o.Pricing.Total, true)
	pdf.Ln(6)

	pdf.SetFont("Helvetica", "", 9)
	pdf.CellFormat(0, 5, fmt.Sprintf("Payment: %s (%s)", strings.ToUpper(o.Payment.Method), o.Payment.Status), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 5, "Thank you for your business!", "", 1, "C", false, 0, "")

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
