// Package lock implements the orchestrator's process-wide advisory lock:
// an flock-guarded critical section around a YAML lock record carrying
// holder identity, TTL, and acquisition time.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/obstack/upgradectl/internal/model"
	yamlutil "github.com/obstack/upgradectl/internal/yaml"
)

// ErrBusy is returned when a live lock is held by another invocation.
// It is retryable by the operator, never by this process.
var ErrBusy = errors.New("another upgrade run holds the lock")

const (
	flockName  = "orchestrator.lock"
	recordName = "lock.yaml"
)

// Manager owns the lock directory for one invocation.
type Manager struct {
	dir      string
	ttl      time.Duration
	holderID string

	flock *fileLock
	held  bool
}

func NewManager(lockDir string, ttl time.Duration) *Manager {
	return &Manager{
		dir:      lockDir,
		ttl:      ttl,
		holderID: uuid.NewString(),
	}
}

// HolderID identifies this invocation in the lock record and audit events.
func (m *Manager) HolderID() string {
	return m.holderID
}

// Acquire takes the advisory lock or fails fast with ErrBusy. If a stale
// record was broken, the broken record is returned for audit logging.
func (m *Manager) Acquire() (broken *model.LockRecord, err error) {
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	// flock guards the read-modify-write of lock.yaml and stays held for the
	// run's lifetime. The YAML record is what survives a crash: the kernel
	// drops the flock, the record keeps the TTL gate in force.
	fl := newFileLock(filepath.Join(m.dir, flockName))
	if err := fl.tryLock(); err != nil {
		return nil, ErrBusy
	}
	defer func() {
		if !m.held {
			_ = fl.unlock()
		}
	}()

	recordPath := filepath.Join(m.dir, recordName)
	existing, err := readRecord(recordPath)
	if err != nil {
		return nil, fmt.Errorf("read lock record: %w", err)
	}
	if existing != nil {
		if !isStale(existing, m.ttl) {
			return nil, ErrBusy
		}
		broken = existing
	}

	host, _ := os.Hostname()
	rec := model.LockRecord{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      yamlutil.FileTypeLock,
		HolderID:      m.holderID,
		Host:          host,
		PID:           os.Getpid(),
		AcquiredAt:    time.Now().UTC().Format(time.RFC3339),
		TTLSec:        int(m.ttl.Seconds()),
	}
	if err := yamlutil.AtomicWrite(recordPath, rec); err != nil {
		return nil, fmt.Errorf("write lock record: %w", err)
	}

	m.flock = fl
	m.held = true
	return broken, nil
}

// Release removes the lock record if this invocation still holds it.
func (m *Manager) Release() error {
	if !m.held {
		return nil
	}

	recordPath := filepath.Join(m.dir, recordName)
	existing, err := readRecord(recordPath)
	if err == nil && existing != nil && existing.HolderID == m.holderID {
		os.Remove(recordPath)
		os.Remove(recordPath + ".bak")
	}

	m.held = false
	if m.flock != nil {
		return m.flock.unlock()
	}
	return nil
}

// ReadRecord returns the current lock record without acquiring anything.
// Used by status reporting; nil means no lock is recorded.
func ReadRecord(lockDir string) (*model.LockRecord, error) {
	return readRecord(filepath.Join(lockDir, recordName))
}

func readRecord(path string) (*model.LockRecord, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var rec model.LockRecord
	if err := yamlv3.Unmarshal(content, &rec); err != nil {
		return nil, fmt.Errorf("parse lock record: %w", err)
	}
	return &rec, nil
}

// isStale reports whether the record's TTL has elapsed and its holder is
// verifiably not running. A holder on another host can never be verified
// absent, so its lock is never broken automatically.
func isStale(rec *model.LockRecord, ttl time.Duration) bool {
	acquired, err := time.Parse(time.RFC3339, rec.AcquiredAt)
	if err != nil {
		// Unparseable record: treat the TTL as elapsed, still require the
		// holder to be absent.
		acquired = time.Time{}
	}
	effectiveTTL := ttl
	if rec.TTLSec > 0 {
		effectiveTTL = time.Duration(rec.TTLSec) * time.Second
	}
	if time.Since(acquired) <= effectiveTTL {
		return false
	}

	host, _ := os.Hostname()
	if rec.Host != host {
		return false
	}
	return !processAlive(rec.PID)
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	// Signal 0 probes existence without delivering anything.
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return !errors.Is(err, syscall.ESRCH)
}

// fileLock is a non-blocking flock on a sentinel file, with the holder PID
// written for debugging.
type fileLock struct {
	path string
	file *os.File
}

func newFileLock(path string) *fileLock {
	return &fileLock{path: path}
}

func (fl *fileLock) tryLock() error {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return fmt.Errorf("acquire flock (another invocation may be active): %w", err)
	}

	if err := f.Truncate(0); err != nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return fmt.Errorf("write PID to lock file: %w", err)
	}
	if err := f.Sync(); err != nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return fmt.Errorf("sync lock file: %w", err)
	}

	fl.file = f
	return nil
}

func (fl *fileLock) unlock() error {
	if fl.file == nil {
		return nil
	}

	if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN); err != nil {
		fl.file.Close()
		return fmt.Errorf("release flock: %w", err)
	}

	if err := fl.file.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}

	os.Remove(fl.path)
	fl.file = nil
	return nil
}
