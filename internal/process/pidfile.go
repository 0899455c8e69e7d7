package process

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// PIDRecord is the content of the PID file. StartUnix guards against
// signalling a recycled PID.
type PIDRecord struct {
	PID       int    `json:"pid"`
	StartUnix int64  `json:"start_unix"`
	RunID     string `json:"run_id,omitempty"`
}

// WritePIDFile writes rec atomically via a temp file and rename.
func WritePIDFile(path string, rec PIDRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// ReadPIDFile reads a PID file written by WritePIDFile.
func ReadPIDFile(path string) (PIDRecord, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return PIDRecord{}, err
	}
	var rec PIDRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return PIDRecord{}, fmt.Errorf("parse pid file %s: %w", path, err)
	}
	if rec.PID <= 0 {
		return PIDRecord{}, fmt.Errorf("invalid pid %d in %s", rec.PID, path)
	}
	return rec, nil
}

// RemovePIDFile best-effort; a missing file is not an error.
func RemovePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
