package publish

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"
)

// ExportXLSX downloads the destination sheet and writes it to a local
// .xlsx file for offline review. Returns the number of data rows written.
func (p *Publisher) ExportXLSX(ctx context.Context, path string) (int, error) {
	vr, err := p.fetchRows(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "publish: fetch rows for export")
	}

	file := xlsx.NewFile()
	sheet, err := file.AddSheet(p.sheetName)
	if err != nil {
		return 0, eris.Wrap(err, "publish: add export sheet")
	}

	rows := vr.Values
	if len(rows) == 0 || !isHeaderRow(rows[0]) {
		headerRow := sheet.AddRow()
		for _, h := range Header {
			headerRow.AddCell().Value = h
		}
	}
	for _, row := range rows {
		out := sheet.AddRow()
		for _, v := range row {
			out.AddCell().Value = v
		}
	}

	if err := file.Save(path); err != nil {
		return 0, eris.Wrapf(err, "publish: save export to %s", path)
	}

	dataRows := len(rows)
	if dataRows > 0 && isHeaderRow(rows[0]) {
		dataRows--
	}
	zap.L().Info("sheet exported",
		zap.String("path", path),
		zap.Int("rows", dataRows))
	return dataRows, nil
}
