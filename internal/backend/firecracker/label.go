package firecracker

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// LabelFile is the name of the label record inside each VM's state directory.
const LabelFile = "label.json"

// LabelRecord is written next to every microVM the backend boots. It is the
// only state a restarted agent needs to find and talk to the VM again.
type LabelRecord struct {
	VMID       string            `json:"vm_id"`
	Labels     map[string]string `json:"labels"`
	PID        int               `json:"pid"`
	CID        uint32            `json:"cid"`
	VsockPath  string            `json:"vsock_path"`
	SocketPath string            `json:"socket_path"`
	Network    bool              `json:"network"`
	StartedAt  time.Time         `json:"started_at"`
}

// writeLabel atomically writes rec into dir.
func writeLabel(dir string, rec LabelRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal label: %w", err)
	}
	tmp := filepath.Join(dir, LabelFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write label: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, LabelFile)); err != nil {
		return fmt.Errorf("rename label: %w", err)
	}
	return nil
}

func readLabel(dir string) (LabelRecord, error) {
	var rec LabelRecord
	data, err := os.ReadFile(filepath.Join(dir, LabelFile))
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("parse %s: %w", filepath.Join(dir, LabelFile), err)
	}
	return rec, nil
}

// scanLabels reads every label record under stateDir. Directories without a
// readable record are skipped; a missing stateDir yields no records.
func scanLabels(stateDir string) ([]LabelRecord, error) {
	entries, err := os.ReadDir(stateDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state dir: %w", err)
	}

	var recs []LabelRecord
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		rec, err := readLabel(filepath.Join(stateDir, e.Name()))
		if err != nil {
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// pidAlive reports whether a process with the given pid exists.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
