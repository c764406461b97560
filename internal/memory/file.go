package memory

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
)

// FileStore reads and appends the user-editable markdown memory file. The
// file is the authoritative memory source: its entries always win over
// recalled fragments during fusion.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Entries parses the file into individual memory lines, in file order.
// Headings structure the file for humans; each entry carries its nearest
// heading as a prefix so a line like "- tabs over spaces" keeps meaning
// outside its section.
func (f *FileStore) Entries(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read memory file: %w", err)
	}

	var entries []string
	heading := ""
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			heading = strings.TrimSpace(strings.TrimLeft(line, "#"))
			continue
		}
		entry := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(line, "-"), "*"))
		if entry == "" {
			continue
		}
		if heading != "" {
			entry = heading + ": " + entry
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Append adds one bullet to the end of the file, creating it on first use.
func (f *FileStore) Append(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	fh, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open memory file: %w", err)
	}
	defer fh.Close()

	if _, err := fmt.Fprintf(fh, "- %s\n", content); err != nil {
		return fmt.Errorf("append memory file: %w", err)
	}
	return nil
}
