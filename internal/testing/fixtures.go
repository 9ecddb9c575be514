package testing

import (
	"os"
	"path/filepath"
	"testing"
)

// SampleCSV is a small valid dataset. The third row has no usable Close value.
const SampleCSV = "Date,Open,Close\n" +
	"2024-01-01,99,100\n" +
	"2024-01-02,100,101.5\n" +
	"2024-01-03,101,n/a\n" +
	"2024-01-04,101,99\n" +
	"2024-01-05,99,103\n"

// SampleRows is the number of usable Close values in SampleCSV.
const SampleRows = 4

// WriteCSV writes content as uploaded_data.csv under dir and returns its path.
func WriteCSV(t *testing.T, dir, content string) string {
	t.Helper()

	path := filepath.Join(dir, "uploaded_data.csv")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write CSV fixture: %v", err)
	}
	return path
}
