package storage

import "miel/internal/recorder"

// MultiSink fans one Append out to multiple Storage backends, so a
// single Recorder can keep both FileSink's mandatory on-disk layout and
// SQLiteSink's queryable index current from the same commit. Every
// backend is attempted regardless of an earlier one failing; the first
// error is returned so Recorder's retry/spool logic still has a Kind to
// act on. Retrying re-runs Append against every backend, which is safe
// since both FileSink (atomic rename) and SQLiteSink (INSERT OR
// REPLACE) treat a session id as an idempotent overwrite.
type MultiSink struct {
	sinks []recorder.Storage
}

// Multi combines sinks into a single recorder.Storage.
func Multi(sinks ...recorder.Storage) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Append implements recorder.Storage.
func (m *MultiSink) Append(a recorder.Artifact) error {
	var first error
	for _, s := range m.sinks {
		if err := s.Append(a); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close closes every backend that implements io.Closer, returning the
// first error encountered.
func (m *MultiSink) Close() error {
	var first error
	for _, s := range m.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
