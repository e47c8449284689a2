package cache

import (
	"fmt"
	"strings"

	"lockcache/internal/common"
)

type frameKind int

const (
	cacheActionFrame frameKind = iota
	longRunningFrame
)

func (k frameKind) String() string {
	if k == longRunningFrame {
		return "long running operation"
	}
	return "cache action"
}

type operationFrame struct {
	kind frameKind
	name string
}

// OperationsStack records the nested cache actions and long running
// operations of one owner.
type OperationsStack struct {
	frames []operationFrame
}

// IsInCacheAction reports whether the innermost frame is a cache action.
func (s *OperationsStack) IsInCacheAction() bool {
	return len(s.frames) > 0 && s.frames[len(s.frames)-1].kind == cacheActionFrame
}

// IsEmpty reports whether no frame is open.
func (s *OperationsStack) IsEmpty() bool {
	return len(s.frames) == 0
}

// Current returns the innermost operation name, or "" when empty.
func (s *OperationsStack) Current() string {
	if len(s.frames) == 0 {
		return ""
	}
	return s.frames[len(s.frames)-1].name
}

func (s *OperationsStack) PushCacheAction(name string) {
	s.frames = append(s.frames, operationFrame{kind: cacheActionFrame, name: name})
}

func (s *OperationsStack) PopCacheAction(name string) error {
	return s.pop(cacheActionFrame, name)
}

func (s *OperationsStack) PushLongRunningOperation(name string) {
	s.frames = append(s.frames, operationFrame{kind: longRunningFrame, name: name})
}

func (s *OperationsStack) PopLongRunningOperation(name string) error {
	return s.pop(longRunningFrame, name)
}

func (s *OperationsStack) pop(kind frameKind, name string) error {
	if len(s.frames) == 0 {
		return fmt.Errorf("%w: cannot end %s '%s', no operation is in progress", common.ErrIllegalState, kind, name)
	}
	top := s.frames[len(s.frames)-1]
	if top.kind != kind || top.name != name {
		return fmt.Errorf("%w: cannot end %s '%s', current operation is %s '%s'", common.ErrIllegalState, kind, name, top.kind, top.name)
	}
	s.frames = s.frames[:len(s.frames)-1]
	return nil
}

func (s *OperationsStack) String() string {
	names := make([]string, len(s.frames))
	for i, f := range s.frames {
		names[i] = f.name
	}
	return strings.Join(names, " > ")
}
