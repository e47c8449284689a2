package filelock

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Lock file layout: the state region starts at offset 0 and is followed by
// the information region. Both are locked independently.
const (
	stateRegionPos  int64 = 0
	stateRegionSize int64 = 64
	infoRegionPos         = stateRegionPos + stateRegionSize
	infoRegionSize  int64 = 2048
)

// lockFileAccess reads and writes the regions of an open lock file.
type lockFileAccess struct {
	path       string
	file       *os.File
	serializer stateSerializer
}

func openLockFileAccess(path string, serializer stateSerializer) (*lockFileAccess, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory for lock file %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	return &lockFileAccess{path: path, file: f, serializer: serializer}, nil
}

func (a *lockFileAccess) tryLockState(shared bool) (bool, error) {
	return tryLockRegion(a.file, stateRegionPos, stateRegionSize, shared)
}

func (a *lockFileAccess) tryLockInfo(shared bool) (bool, error) {
	return tryLockRegion(a.file, infoRegionPos, infoRegionSize, shared)
}

func (a *lockFileAccess) unlockInfo() error {
	return unlockRegion(a.file, infoRegionPos, infoRegionSize)
}

// readState returns the recorded state, or nil when the state region has
// never been written completely.
func (a *lockFileAccess) readState() (lockState, error) {
	buf := make([]byte, 1+a.serializer.size())
	n, err := a.file.ReadAt(buf, stateRegionPos)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read lock state from %s: %w", a.path, err)
	}
	if n < len(buf) {
		return nil, nil
	}
	if buf[0] != a.serializer.version() {
		return nil, fmt.Errorf("unexpected lock protocol found in lock file %s: expected %d, found %d",
			a.path, a.serializer.version(), buf[0])
	}
	return a.serializer.decode(buf[1:])
}

// readStateOrInitial is readState falling back to the initial state.
func (a *lockFileAccess) readStateOrInitial() (lockState, error) {
	state, err := a.readState()
	if err != nil || state != nil {
		return state, err
	}
	return a.serializer.initialState(), nil
}

// ensureState returns the recorded state, writing the initial state first
// when the region is empty. Requires the exclusive state lock.
func (a *lockFileAccess) ensureState() (lockState, error) {
	state, err := a.readState()
	if err != nil || state != nil {
		return state, err
	}
	state = a.serializer.initialState()
	if err := a.writeState(state); err != nil {
		return nil, err
	}
	return state, nil
}

func (a *lockFileAccess) writeState(state lockState) error {
	buf := append([]byte{a.serializer.version()}, a.serializer.encode(state)...)
	if _, err := a.file.WriteAt(buf, stateRegionPos); err != nil {
		return fmt.Errorf("failed to write lock state to %s: %w", a.path, err)
	}
	if err := a.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync lock file %s: %w", a.path, err)
	}
	return nil
}

func (a *lockFileAccess) readInfo() (LockInfo, error) {
	buf := make([]byte, infoRegionSize)
	n, err := a.file.ReadAt(buf, infoRegionPos)
	if err != nil && !errors.Is(err, io.EOF) {
		return unknownLockInfo(), fmt.Errorf("failed to read lock information from %s: %w", a.path, err)
	}
	return decodeLockInfo(buf[:n])
}

func (a *lockFileAccess) writeInfo(info LockInfo) error {
	buf := encodeLockInfo(info)
	if err := a.file.Truncate(infoRegionPos); err != nil {
		return fmt.Errorf("failed to reset lock information in %s: %w", a.path, err)
	}
	if _, err := a.file.WriteAt(buf, infoRegionPos); err != nil {
		return fmt.Errorf("failed to write lock information to %s: %w", a.path, err)
	}
	return nil
}

func (a *lockFileAccess) clearInfo() error {
	if err := a.file.Truncate(infoRegionPos); err != nil {
		return fmt.Errorf("failed to clear lock information in %s: %w", a.path, err)
	}
	return nil
}

// close releases every region lock held through this access.
func (a *lockFileAccess) close() error {
	return a.file.Close()
}
