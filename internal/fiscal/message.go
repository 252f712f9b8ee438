package fiscal

import (
	"encoding/xml"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Wandeon/FiskAI-App-sub000/internal/domain"
)

// SchemaNamespace identifies the canonical document schema. The authority
// endpoint validates against it, so structure and field names below must not
// drift.
const SchemaNamespace = "http://fiscal.example.com/schema/v1"

// SequenceMark P = numbering per business premises.
const sequenceMarkPremises = "P"

// paymentMethodCodes is the fixed wire lookup. Unrecognized methods fail
// closed with a validation error rather than defaulting.
var paymentMethodCodes = map[domain.PaymentMethod]string{
	domain.PaymentMethodCash:         "G",
	domain.PaymentMethodCard:         "K",
	domain.PaymentMethodBankTransfer: "T",
	domain.PaymentMethodCheck:        "C",
	domain.PaymentMethodOther:        "O",
}

type invoiceRequest struct {
	XMLName   xml.Name      `xml:"InvoiceRequest"`
	Namespace string        `xml:"xmlns,attr"`
	ID        string        `xml:"Id,attr"`
	Header    requestHeader `xml:"Header"`
	Invoice   invoiceBody   `xml:"Invoice"`
}

type requestHeader struct {
	MessageID string `xml:"MessageID"`
	IssuedAt  string `xml:"IssuedAt"`
}

type invoiceNumber struct {
	SequenceNumber string `xml:"SequenceNumber"`
	PremisesCode   string `xml:"PremisesCode"`
	DeviceCode     string `xml:"DeviceCode"`
}

type taxSubtotal struct {
	Rate   string `xml:"Rate"`
	Base   string `xml:"Base"`
	Amount string `xml:"Amount"`
}

type invoiceBody struct {
	TaxID              string        `xml:"TaxID"`
	VATRegistered      bool          `xml:"VATRegistered"`
	IssuedDate         string        `xml:"IssuedDate"`
	SequenceMark       string        `xml:"SequenceMark"`
	Number             invoiceNumber `xml:"Number"`
	TaxSubtotals       []taxSubtotal `xml:"TaxSubtotals>TaxRate"`
	Total              string        `xml:"Total"`
	PaymentMethod      string        `xml:"PaymentMethod"`
	OperatorTaxID      string        `xml:"OperatorTaxID"`
	ProtectiveCode     string        `xml:"ProtectiveCode"`
	SubsequentDelivery bool          `xml:"SubsequentDelivery"`
	SpecificPurpose    string        `xml:"SpecificPurpose,omitempty"`
}

// MessageBuilder renders canonical fiscal documents. The clock and ID source
// are injectable so tests can pin header values.
type MessageBuilder struct {
	now   func() time.Time
	newID func() string
}

func NewMessageBuilder() *MessageBuilder {
	return &MessageBuilder{now: time.Now, newID: uuid.NewString}
}

// Build renders the canonical document for an invoice or reversal. Tax
// subtotals are computed by grouping line items per VAT rate; the authority
// requires the per-rate breakdown, not a single pre-aggregated field.
// For a REVERSAL every monetary amount is
// negated and SpecificPurpose references the original authority unique ID.
func (b *MessageBuilder) Build(invoice *domain.Invoice, company *domain.Company, taxID, protectiveCode string, messageType domain.FiscalMessageType) (string, error) {
	if len(invoice.Lines) == 0 {
		return "", domain.NewValidationError("lines", "invoice has no line items")
	}

	methodCode, ok := paymentMethodCodes[invoice.PaymentMethod]
	if !ok {
		return "", domain.NewValidationError("payment_method", fmt.Sprintf("unrecognized payment method %q", invoice.PaymentMethod))
	}

	// Cash receipts carry no buyer; BuyerName is optional for every
	// message type currently on the wire.
	specificPurpose := ""
	switch messageType {
	case domain.FiscalMessageTypeInvoice:
	case domain.FiscalMessageTypeReversal:
		if invoice.UniqueID == "" {
			return "", domain.NewValidationError("unique_id", "reversal requires the original authority unique ID")
		}
		specificPurpose = invoice.UniqueID
	default:
		return "", domain.NewValidationError("message_type", fmt.Sprintf("unknown message type %q", messageType))
	}

	negate := messageType == domain.FiscalMessageTypeReversal

	if taxID == "" {
		taxID = company.TaxID
	}

	req := invoiceRequest{
		Namespace: SchemaNamespace,
		ID:        b.newID(),
		Header: requestHeader{
			MessageID: b.newID(),
			IssuedAt:  b.now().Format(time.RFC3339),
		},
		Invoice: invoiceBody{
			TaxID:          taxID,
			VATRegistered:  company.VATRegistered,
			IssuedDate:     invoice.IssuedAt.Format("2006-01-02"),
			SequenceMark:   sequenceMarkPremises,
			Number: invoiceNumber{
				SequenceNumber: invoice.SequenceNumber,
				PremisesCode:   invoice.PremisesCode,
				DeviceCode:     invoice.DeviceCode,
			},
			TaxSubtotals:       subtotalsByRate(invoice.Lines, negate),
			Total:              signedAmount(invoice.Total, negate),
			PaymentMethod:      methodCode,
			OperatorTaxID:      invoice.OperatorTaxID,
			ProtectiveCode:     protectiveCode,
			SubsequentDelivery: false,
			SpecificPurpose:    specificPurpose,
		},
	}

	out, err := xml.MarshalIndent(req, "", "  ")
	if err != nil {
		return "", fmt.Errorf("fiscal: marshal document: %w", err)
	}

	return string(out), nil
}

// subtotalsByRate emits one entry per distinct VAT rate, ascending by rate.
func subtotalsByRate(lines []domain.InvoiceLine, negate bool) []taxSubtotal {
	type agg struct {
		rate decimal.Decimal
		base decimal.Decimal
	}

	groups := make(map[string]*agg)
	for _, line := range lines {
		key := line.VATRate.StringFixed(2)
		g, ok := groups[key]
		if !ok {
			g = &agg{rate: line.VATRate}
			groups[key] = g
		}
		g.base = g.base.Add(line.Total())
	}

	ordered := make([]*agg, 0, len(groups))
	for _, g := range groups {
		ordered = append(ordered, g)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].rate.LessThan(ordered[j].rate)
	})

	subtotals := make([]taxSubtotal, 0, len(ordered))
	for _, g := range ordered {
		tax := g.base.Mul(g.rate).Div(decimal.NewFromInt(100)).Round(2)
		subtotals = append(subtotals, taxSubtotal{
			Rate:   g.rate.StringFixed(2),
			Base:   signedAmount(g.base, negate),
			Amount: signedAmount(tax, negate),
		})
	}

	return subtotals
}

func signedAmount(amount decimal.Decimal, negate bool) string {
	if negate {
		amount = amount.Neg()
	}
	return amount.StringFixed(2)
}
