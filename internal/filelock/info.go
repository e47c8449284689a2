package filelock

import (
	"encoding/binary"
	"fmt"
)

const (
	infoProtocolVersion = 3
	maxInfoStringLen    = 340
)

// LockInfo identifies the exclusive owner of a lock.
type LockInfo struct {
	// Port is the contention port of the owner, -1 when the owner does not
	// accept release requests.
	Port      int
	LockID    int64
	PID       string
	Operation string
}

// Known reports whether the information region held an owner record.
func (i LockInfo) Known() bool {
	return i.PID != ""
}

func unknownLockInfo() LockInfo {
	return LockInfo{Port: -1}
}

func encodeLockInfo(info LockInfo) []byte {
	pid := truncateInfoString(info.PID)
	op := truncateInfoString(info.Operation)
	buf := make([]byte, 0, 1+4+8+2+len(pid)+2+len(op))
	buf = append(buf, infoProtocolVersion)
	buf = binary.BigEndian.AppendUint32(buf, uint32(int32(info.Port)))
	buf = binary.BigEndian.AppendUint64(buf, uint64(info.LockID))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(pid)))
	buf = append(buf, pid...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(op)))
	buf = append(buf, op...)
	return buf
}

func decodeLockInfo(data []byte) (LockInfo, error) {
	if len(data) == 0 {
		return unknownLockInfo(), nil
	}
	if data[0] != infoProtocolVersion {
		return unknownLockInfo(), fmt.Errorf("unexpected lock information protocol: expected %d, found %d", infoProtocolVersion, data[0])
	}
	r := data[1:]
	if len(r) < 12 {
		return unknownLockInfo(), nil
	}
	info := LockInfo{
		Port:   int(int32(binary.BigEndian.Uint32(r[0:]))),
		LockID: int64(binary.BigEndian.Uint64(r[4:])),
	}
	r = r[12:]
	pid, r, ok := readInfoString(r)
	if !ok {
		return unknownLockInfo(), nil
	}
	op, _, ok := readInfoString(r)
	if !ok {
		return unknownLockInfo(), nil
	}
	info.PID = pid
	info.Operation = op
	return info, nil
}

func readInfoString(r []byte) (string, []byte, bool) {
	if len(r) < 2 {
		return "", r, false
	}
	n := int(binary.BigEndian.Uint16(r))
	r = r[2:]
	if len(r) < n {
		return "", r, false
	}
	return string(r[:n]), r[n:], true
}

// truncateInfoString keeps strings short enough for the information region.
func truncateInfoString(s string) string {
	if len(s) <= maxInfoStringLen {
		return s
	}
	return s[:maxInfoStringLen]
}
