package series

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"netdash/internal/model"
)

// Fields lists every field name used by points, sorted.
func Fields(points []model.SeriesPoint) []string {
	seen := map[string]bool{}
	for _, p := range points {
		for k := range p.Values {
			seen[k] = true
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// WriteCSV writes points with a "time" column followed by fields. A nil
// fields uses every field present. Missing values are written empty.
func WriteCSV(w io.Writer, points []model.SeriesPoint, fields []string) error {
	if fields == nil {
		fields = Fields(points)
	}
	writer := csv.NewWriter(w)
	defer writer.Flush()

	header := append([]string{"time"}, fields...)
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, p := range points {
		record := make([]string, 0, len(header))
		record = append(record, p.Time.UTC().Format(time.RFC3339Nano))
		for _, f := range fields {
			v, ok := p.Values[f]
			if !ok {
				record = append(record, "")
				continue
			}
			record = append(record, strconv.FormatFloat(v, 'f', 3, 64))
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// ReadCSV loads points written by WriteCSV.
func ReadCSV(path string) ([]model.SeriesPoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return readCSV(file)
}

func readCSV(r io.Reader) ([]model.SeriesPoint, error) {
	reader := csv.NewReader(r)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	header := records[0]
	if len(header) == 0 || header[0] != "time" {
		return nil, fmt.Errorf("missing header")
	}

	points := make([]model.SeriesPoint, 0, len(records)-1)
	for i := 1; i < len(records); i++ {
		rec := records[i]
		ts, err := time.Parse(time.RFC3339Nano, rec[0])
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp at line %d: %w", i+1, err)
		}
		values := make(map[string]float64, len(header)-1)
		for j := 1; j < len(header) && j < len(rec); j++ {
			if rec[j] == "" {
				continue
			}
			v, err := strconv.ParseFloat(rec[j], 64)
			if err != nil {
				return nil, fmt.Errorf("invalid %s at line %d: %w", header[j], i+1, err)
			}
			values[header[j]] = v
		}
		points = append(points, model.SeriesPoint{Time: ts, Values: values})
	}

	return points, nil
}
