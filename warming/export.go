package warming

import (
	"bufio"
	"os"

	"github.com/proxywhirl/cache/entry"
	"github.com/proxywhirl/cache/internal/cacheerr"
)

// Writer appends one exported entry's wire form as a JSONL line, per
// spec.md §4.4.7. Callers (cache-manager) open the file once and call
// Writer.Write per key from the union of all tiers' keys.
type Writer struct {
	w *bufio.Writer
	f *os.File
}

// NewWriter creates (truncating) path for JSONL export output.
func NewWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, cacheerr.IOError("failed to create export file", err)
	}
	return &Writer{w: bufio.NewWriter(f), f: f}, nil
}

// Write appends one entry's encrypted wire encoding as a JSONL line.
func (w *Writer) Write(e entry.Entry, enc entry.Encryptor) error {
	data, err := e.MarshalWire(enc)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(data); err != nil {
		return cacheerr.IOError("failed to write export line", err)
	}
	return w.w.WriteByte('\n')
}

// Close flushes buffered output and closes the underlying file.
func (w *Writer) Close() error {
	if err := w.w.Flush(); err != nil {
		return cacheerr.IOError("failed to flush export file", err)
	}
	return w.f.Close()
}

// ReadExported reads a JSONL export file back into entries, decrypting
// with enc. Used by ImportFromExport to close the symmetric import gap the
// original spec left unresolved (§9 open questions).
func ReadExported(path string, enc entry.Encryptor) ([]entry.Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, cacheerr.IOError("failed to open export file for import", err)
	}
	defer f.Close()

	var entries []entry.Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		e, err := entry.UnmarshalWire(line, enc)
		if err != nil {
			continue // skip corrupted line, matching the tier layer's tolerance
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, cacheerr.IOError("failed to scan export file", err)
	}
	return entries, nil
}
