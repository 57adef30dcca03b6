// Package warming parses and writes the external cache-warming and export
// file formats named in spec.md §6.4: JSON array, JSON-per-line, and CSV
// with a header row. It holds no reference to the orchestrator so that
// cache-manager (which depends on it for §4.4.6/§4.4.7) never forms an
// import cycle.
package warming

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/proxywhirl/cache/internal/cacheerr"
)

// Record is one parsed cache-warming row, matching the fields
// original_source's _warm_entry reads off a decoded dict.
type Record struct {
	Key      string
	ProxyURL string
	Username string
	Password string
	Source   string
}

// ParseResult counts what ParseFile produced, feeding directly into the
// {loaded, skipped, failed} counts spec.md §4.4.6 requires from the
// caller's perspective: records with no proxy_url are Skipped, a file that
// cannot be parsed at all is reported as a single Failed via the returned
// error instead.
type ParseResult struct {
	Records []Record
	Skipped int
}

// ParseFile dispatches on file extension and parses warming records.
// Malformed files return a MalformedWarmFile error rather than panicking,
// per spec.md §7's error taxonomy.
func ParseFile(path string) (ParseResult, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return parseJSONArray(path)
	case ".jsonl":
		return parseJSONLines(path)
	case ".csv":
		return parseCSV(path)
	default:
		return ParseResult{}, cacheerr.MalformedWarmFile("unrecognized cache-warming file extension: "+path, nil)
	}
}

func parseJSONArray(path string) (ParseResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ParseResult{}, cacheerr.MalformedWarmFile("failed to read warm file", err)
	}

	var rows []map[string]interface{}
	if err := json.Unmarshal(data, &rows); err != nil {
		return ParseResult{}, cacheerr.MalformedWarmFile("JSON file must contain an array", err)
	}

	return recordsFromRows(rows), nil
}

func parseJSONLines(path string) (ParseResult, error) {
	file, err := os.Open(path)
	if err != nil {
		return ParseResult{}, cacheerr.MalformedWarmFile("failed to open warm file", err)
	}
	defer file.Close()

	var rows []map[string]interface{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var row map[string]interface{}
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			continue // skip corrupted line
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return ParseResult{}, cacheerr.MalformedWarmFile("failed to scan warm file", err)
	}

	return recordsFromRows(rows), nil
}

func parseCSV(path string) (ParseResult, error) {
	file, err := os.Open(path)
	if err != nil {
		return ParseResult{}, cacheerr.MalformedWarmFile("failed to open warm file", err)
	}
	defer file.Close()

	r := csv.NewReader(file)
	header, err := r.Read()
	if err != nil {
		return ParseResult{}, cacheerr.MalformedWarmFile("failed to read CSV header", err)
	}

	colIndex := make(map[string]int, len(header))
	for i, col := range header {
		colIndex[strings.TrimSpace(strings.ToLower(col))] = i
	}

	var rows []map[string]interface{}
	for {
		fields, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // skip malformed row
		}
		row := make(map[string]interface{}, len(colIndex))
		for col, idx := range colIndex {
			if idx < len(fields) {
				row[col] = fields[idx]
			}
		}
		rows = append(rows, row)
	}

	return recordsFromRows(rows), nil
}

func recordsFromRows(rows []map[string]interface{}) ParseResult {
	result := ParseResult{}
	for _, row := range rows {
		proxyURL, _ := row["proxy_url"].(string)
		if proxyURL == "" {
			result.Skipped++
			continue
		}

		source, _ := row["source"].(string)
		if source == "" {
			source = "warmed"
		}

		rec := Record{
			ProxyURL: proxyURL,
			Source:   source,
		}
		if key, ok := row["key"].(string); ok {
			rec.Key = key
		}
		if username, ok := row["username"]; ok {
			rec.Username = fmt.Sprintf("%v", username)
		}
		if password, ok := row["password"]; ok {
			rec.Password = fmt.Sprintf("%v", password)
		}

		result.Records = append(result.Records, rec)
	}
	return result
}
