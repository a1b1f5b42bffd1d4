package export

import (
	"bytes"
	"fmt"

	"github.com/jung-kurt/gofpdf"
)

// Card is one block of credentials handed to a student.
type Card struct {
	Heading  string
	Username string
	Password string
}

// PDFExporter renders datasets and credential cards into A4 documents.
type PDFExporter struct {
	author string
}

// NewPDFExporter constructs a PDF exporter.
func NewPDFExporter() *PDFExporter {
	return &PDFExporter{author: "bbss - BBS Student Management"}
}

func (e *PDFExporter) newDocument(title string) (*gofpdf.Fpdf, func(string) string) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(20, 15, 20)
	pdf.SetAutoPageBreak(true, 20)
	pdf.SetAuthor(e.author, true)
	pdf.SetTitle(title, true)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.SetFooterFunc(func() {
		pdf.SetY(-15)
		pdf.SetFont("Helvetica", "", 8)
		pdf.CellFormat(120, 10, tr(title), "", 0, "L", false, 0, "")
		pdf.CellFormat(0, 10, fmt.Sprintf("Seite %d", pdf.PageNo()), "", 0, "R", false, 0, "")
	})
	return pdf, tr
}

// Render creates a PDF document with an optional title and table body.
func (e *PDFExporter) Render(data Dataset, title string) ([]byte, error) {
	if len(data.Headers) == 0 {
		return nil, fmt.Errorf("pdf requires at least one header")
	}
	pdf, tr := e.newDocument(title)
	pdf.AddPage()

	if title != "" {
		pdf.SetFont("Helvetica", "B", 14)
		pdf.CellFormat(0, 10, tr(title), "", 1, "C", false, 0, "")
		pdf.Ln(5)
	}

	pdf.SetFont("Helvetica", "B", 10)
	colWidth := 170.0 / float64(len(data.Headers))
	for _, header := range data.Headers {
		pdf.CellFormat(colWidth, 8, tr(header), "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 9)
	for _, row := range data.Rows {
		for _, header := range data.Headers {
			pdf.CellFormat(colWidth, 7, tr(row[header]), "1", 0, "", false, 0, "")
		}
		pdf.Ln(-1)
	}

	return output(pdf)
}

// RenderCards lays out one bordered block per card, never splitting a block across pages.
func (e *PDFExporter) RenderCards(cards []Card, title, intro string) ([]byte, error) {
	pdf, tr := e.newDocument(title)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "", 16)
	pdf.CellFormat(0, 10, tr(title), "", 1, "C", false, 0, "")
	if intro != "" {
		pdf.SetFont("Helvetica", "", 11)
		pdf.Ln(3)
		pdf.MultiCell(0, 6, tr(intro), "", "L", false)
	}
	pdf.Ln(5)

	const cardHeight = 26.0
	_, pageHeight := pdf.GetPageSize()
	_, _, _, bottom := pdf.GetMargins()
	for _, card := range cards {
		if pdf.GetY()+cardHeight > pageHeight-bottom-10 {
			pdf.AddPage()
		}
		x, y := pdf.GetX(), pdf.GetY()
		pdf.Rect(x, y, 170, cardHeight-4, "D")

		pdf.SetXY(x+5, y+3)
		pdf.SetFont("Helvetica", "", 12)
		pdf.CellFormat(160, 7, tr(card.Heading), "", 2, "L", false, 0, "")
		pdf.SetFont("Courier", "", 12)
		pdf.CellFormat(80, 8, tr("Benutzername: "+card.Username), "", 0, "L", false, 0, "")
		pdf.CellFormat(80, 8, tr("Passwort: "+card.Password), "", 1, "L", false, 0, "")
		pdf.SetXY(x, y+cardHeight)
	}

	return output(pdf)
}

func output(pdf *gofpdf.Fpdf) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := pdf.Output(buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}
