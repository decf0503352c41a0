package store

import (
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/golang-migrate/migrate/v4/source"
)

// closeCountingSource records how often the migration source is closed.
type closeCountingSource struct {
	source.Driver
	closes *atomic.Int64
}

func (s closeCountingSource) Close() error {
	s.closes.Add(1)
	return s.Driver.Close()
}

func TestMigrate_ReleasesSourceAfterEachUse(t *testing.T) {
	var opened, closed atomic.Int64
	orig := openSource
	openSource = func() (source.Driver, error) {
		src, err := orig()
		if err != nil {
			return nil, err
		}
		opened.Add(1)
		return closeCountingSource{Driver: src, closes: &closed}, nil
	}
	t.Cleanup(func() { openSource = orig })

	s, err := OpenSQLite(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer s.Close()

	for i := 0; i < 3; i++ {
		if _, err := s.SchemaVersion(); err != nil {
			t.Fatalf("SchemaVersion #%d: %v", i+1, err)
		}
	}

	if opened.Load() != 4 {
		t.Errorf("sources opened = %d, want 4", opened.Load())
	}
	if closed.Load() != opened.Load() {
		t.Errorf("sources closed = %d, opened = %d", closed.Load(), opened.Load())
	}
}
