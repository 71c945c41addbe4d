package api

import (
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"ridernav/internal/model"
)

const daySheet = "Ledgers"

var daySheetHeaders = []string{
	"Rider",
	"Ledger",
	"Stop",
	"Order Key",
	"Job",
	"Kind",
	"Status",
	"Address",
	"Lat",
	"Lng",
	"Deadline",
	"Volume",
	"Done",
}

// daySheetXLSX renders one row per ledger stop, riders in ledger order.
func daySheetXLSX(ls []model.Ledger, zone *time.Location) ([]byte, error) {
	if zone == nil {
		zone = time.UTC
	}
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	if _, err := f.NewSheet(daySheet); err != nil {
		return nil, err
	}
	idx, _ := f.GetSheetIndex(daySheet)
	f.SetActiveSheet(idx)
	_ = f.DeleteSheet("Sheet1")

	for i, h := range daySheetHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(daySheet, cell, h)
	}

	row := 2
	for _, l := range ls {
		for i, e := range l.Entries {
			write := func(col int, v any) {
				cell, _ := excelize.CoordinatesToCellName(col, row)
				_ = f.SetCellValue(daySheet, cell, v)
			}
			j := e.Job
			write(1, l.Rider.Name)
			write(2, l.ID)
			write(3, i+1)
			write(4, e.OrderKey)
			write(5, e.JobID)
			write(6, string(j.Kind))
			write(7, string(j.Status))
			write(8, j.Destination.Address)
			if p, ok := j.Target(); ok {
				write(9, p.Lat)
				write(10, p.Lng)
			}
			if !j.Deadline.IsZero() {
				write(11, j.Deadline.In(zone).Format("2006-01-02 15:04"))
			}
			if p, ok := j.Parcel(); ok {
				write(12, p.Volume)
			}
			write(13, i < l.Cursor)
			row++
		}
	}

	_ = f.SetColWidth(daySheet, "A", "A", 18) // rider
	_ = f.SetColWidth(daySheet, "B", "B", 38) // ledger
	_ = f.SetColWidth(daySheet, "E", "E", 38) // job
	_ = f.SetColWidth(daySheet, "H", "H", 40) // address
	_ = f.SetColWidth(daySheet, "K", "K", 18)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}
