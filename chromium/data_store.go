package chromium

import (
	"fmt"
	"os"
)

// DataStore manages the browser's user data directory: either a
// caller-provided path or a temporary directory removed on cleanup.
type DataStore struct {
	Dir string

	remove bool
}

// Make sets the data directory up. A non-empty string dir is used as
// is; otherwise a temporary directory is created and owned.
func (d *DataStore) Make(dir interface{}) error {
	if s, ok := dir.(string); ok && s != "" {
		d.Dir = s
		return nil
	}
	tmp, err := os.MkdirTemp("", "chromic-pdf-userdata-*")
	if err != nil {
		return fmt.Errorf("creating temporary user data directory: %w", err)
	}
	d.Dir = tmp
	d.remove = true
	return nil
}

// Cleanup removes the data directory if this store created it.
func (d *DataStore) Cleanup() {
	if d.remove && d.Dir != "" {
		_ = os.RemoveAll(d.Dir)
	}
}
