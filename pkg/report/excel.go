// Package report renders the downloadable Excel workbook for a result set
// and stores it behind a short-lived URL.
package report

import (
	"bytes"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/licitahub/radar/pkg/models"
)

const sheetName = "Oportunidades"

var columns = []string{
	"Objeto", "Órgão", "UF", "Valor Estimado (R$)", "Modalidade",
	"Publicação", "Encerramento", "Dias Restantes", "Urgência",
	"Viabilidade", "Relevância", "Link",
}

// BuildWorkbook renders the opportunity list into an xlsx byte slice. Zero
// opportunities still produce a valid workbook with the header row, so a
// requested download never 404s.
func BuildWorkbook(sectorName string, opps []models.Opportunity) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	idx, err := f.NewSheet(sheetName)
	if err != nil {
		return nil, fmt.Errorf("creating sheet: %w", err)
	}
	f.SetActiveSheet(idx)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("removing default sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"#DDEBF7"}},
	})
	if err != nil {
		return nil, fmt.Errorf("creating header style: %w", err)
	}

	for i, col := range columns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(sheetName, cell, col); err != nil {
			return nil, fmt.Errorf("writing header: %w", err)
		}
	}
	endHeader, _ := excelize.CoordinatesToCellName(len(columns), 1)
	_ = f.SetCellStyle(sheetName, "A1", endHeader, headerStyle)

	for row, opp := range opps {
		values := []any{
			opp.Objeto, opp.Orgao, opp.UF, opp.Valor, opp.Modalidade,
			opp.DataPublicacao, opp.DataEncerramento, opp.DiasRestantes,
			opp.Urgencia, opp.ViabilityBand, opp.RelevanceScore, opp.Link,
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row+2)
			if err := f.SetCellValue(sheetName, cell, v); err != nil {
				return nil, fmt.Errorf("writing row %d: %w", row+2, err)
			}
		}
	}

	_ = f.SetColWidth(sheetName, "A", "A", 60)
	_ = f.SetColWidth(sheetName, "B", "B", 40)
	_ = f.SetColWidth(sheetName, "L", "L", 50)

	// Metadata sheet so a file found out of context is self-describing.
	if _, err := f.NewSheet("Info"); err == nil {
		_ = f.SetCellValue("Info", "A1", "Setor")
		_ = f.SetCellValue("Info", "B1", sectorName)
		_ = f.SetCellValue("Info", "A2", "Gerado em")
		_ = f.SetCellValue("Info", "B2", time.Now().Format(time.RFC3339))
		_ = f.SetCellValue("Info", "A3", "Oportunidades")
		_ = f.SetCellValue("Info", "B3", len(opps))
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("serializing workbook: %w", err)
	}
	return buf.Bytes(), nil
}
