package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"
)

var columnHeader = []string{
	"recording_id", "session_id", "start_time", "duration_seconds",
	"from", "from_name", "to", "to_name", "extension", "direction",
	"call_result", "transcription",
}

func (r Row) cells() []string {
	return []string{
		r.RecordingID,
		r.SessionID,
		r.StartTime.Format(time.RFC3339),
		strconv.Itoa(r.DurationSeconds),
		r.From,
		r.FromName,
		r.To,
		r.ToName,
		r.Extension,
		r.Direction,
		r.CallResult,
		r.Transcript,
	}
}

func (w *Writer) writeCSV(rows []Row, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create csv file: %w", err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	if err := cw.Write(columnHeader); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, row := range rows {
		if err := cw.Write(row.cells()); err != nil {
			return fmt.Errorf("failed to write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func (w *Writer) writeJSON(rows []Row, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create json file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rows); err != nil {
		return fmt.Errorf("failed to encode json rows: %w", err)
	}
	return nil
}

func (w *Writer) writeXLSX(rows []Row, path string) error {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Transcriptions"
	f.SetSheetName("Sheet1", sheet)

	for col, name := range columnHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return fmt.Errorf("failed to compute header cell: %w", err)
		}
		if err := f.SetCellValue(sheet, cell, name); err != nil {
			return fmt.Errorf("failed to write header cell: %w", err)
		}
	}

	for i, row := range rows {
		for col, value := range row.cells() {
			cell, err := excelize.CoordinatesToCellName(col+1, i+2)
			if err != nil {
				return fmt.Errorf("failed to compute cell: %w", err)
			}
			if err := f.SetCellValue(sheet, cell, value); err != nil {
				return fmt.Errorf("failed to write cell: %w", err)
			}
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save xlsx file: %w", err)
	}
	return nil
}
