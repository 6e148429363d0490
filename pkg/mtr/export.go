package mtr

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
)

// CSVHeader is the header row written by WriteCSV.
var CSVHeader = []string{"Hop", "Host", "Loss %", "Sent", "Last (ms)", "Avg (ms)", "Best (ms)", "Worst (ms)", "StDev"}

// CSVRecord formats one hop in CSVHeader column order.
func CSVRecord(h HopRecord) []string {
	return []string{
		strconv.Itoa(h.Hop),
		h.Host,
		formatFloat(h.Loss),
		strconv.Itoa(h.Sent),
		formatFloat(h.Last),
		formatFloat(h.Avg),
		formatFloat(h.Best),
		formatFloat(h.Worst),
		formatFloat(h.StDev),
	}
}

// WriteCSV writes hops as CSV with a header row.
func WriteCSV(w io.Writer, hops []HopRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return err
	}
	for _, h := range hops {
		if err := cw.Write(CSVRecord(h)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteJSON writes v as indented JSON followed by a newline.
func WriteJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
