package pdf

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

// ReceiptData carries the pre-formatted fields for one payout receipt. Amount
// formatting happens upstream; the renderer only lays the strings out.
type ReceiptData struct {
	ReceiptNumber string
	GroupName     string
	CycleLabel    string
	PaidAt        string

	WinnerName   string
	WinnerMSISDN string

	GrossAmount    string
	CommunityShare string
	PartnerShare   string
	PlatformShare  string
	TotalFee       string
	NetAmount      string
	NetAmountXOF   string

	RailProvider string
	RailRef      string
	RequestKey   string
	SummaryHash  string
}

type PDFProvider struct{}

func New() Provider {
	return &PDFProvider{}
}

func (p *PDFProvider) GeneratePayoutReceipt(ctx context.Context, receipt ReceiptData) (io.Reader, error) {
	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(15,
		text.NewCol(12, "Payout receipt", props.Text{
			Size:  20,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
	)

	// Receipt Meta
	m.AddRow(20,
		col.New(6).Add(
			text.New("Receipt number: "+receipt.ReceiptNumber, props.Text{Top: 0}),
			text.New("Date paid: "+receipt.PaidAt, props.Text{Top: 4}),
			text.New("Cycle: "+receipt.CycleLabel, props.Text{Top: 8}),
		),
		col.New(6),
	)

	// Group and recipient
	m.AddRow(30,
		col.New(6).Add(
			text.New("Group", props.Text{Style: fontstyle.Bold}),
			text.New(receipt.GroupName, props.Text{Top: 5}),
		),
		col.New(6).Add(
			text.New("Paid to", props.Text{Style: fontstyle.Bold}),
			text.New(receipt.WinnerName, props.Text{Top: 5}),
			text.New(receipt.WinnerMSISDN, props.Text{Top: 9}),
		),
	)

	// Confirmation Title
	m.AddRow(15,
		text.NewCol(12, receipt.NetAmount+" paid on "+receipt.PaidAt, props.Text{
			Size:  14,
			Style: fontstyle.Bold,
			Top:   5,
		}),
	)
	if receipt.NetAmountXOF != "" {
		m.AddRow(8,
			text.NewCol(12, "Indicative value: "+receipt.NetAmountXOF, props.Text{Size: 9}),
		)
	}

	// Table Header
	m.AddRow(10,
		text.NewCol(8, "Description", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(4, "Amount", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)

	lines := []struct {
		label  string
		amount string
	}{
		{"Cycle pool collected", receipt.GrossAmount},
		{"Community fund share", receipt.CommunityShare},
		{"Partner share", receipt.PartnerShare},
		{"Platform fee", receipt.PlatformShare},
	}
	for _, line := range lines {
		if line.amount == "" {
			continue
		}
		m.AddRow(10,
			text.NewCol(8, line.label, props.Text{Size: 9}),
			text.NewCol(4, line.amount, props.Text{Size: 9, Align: align.Right}),
		)
	}

	// Footer Totals
	m.AddRow(10,
		col.New(6),
		text.NewCol(3, "Total fee", props.Text{Size: 9}),
		text.NewCol(3, receipt.TotalFee, props.Text{Size: 9, Align: align.Right}),
	)
	m.AddRow(10,
		col.New(6),
		text.NewCol(3, "Net paid out", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(3, receipt.NetAmount, props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)

	// Verification block
	m.AddRow(30,
		col.New(12).Add(
			text.New("Transfer reference: "+receipt.RailProvider+" "+receipt.RailRef, props.Text{Size: 8, Top: 5}),
			text.New("Payment key: "+receipt.RequestKey, props.Text{Size: 8, Top: 9}),
			text.New(fmt.Sprintf("Fee record digest: %s", receipt.SummaryHash), props.Text{Size: 8, Top: 13}),
		),
	)

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}

	return bytes.NewReader(doc.GetBytes()), nil
}
