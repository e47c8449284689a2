package filelock

import (
	"os"
	"path/filepath"
	"strconv"
)

// ProcessMetaDataProvider identifies the current process in lock files.
type ProcessMetaDataProvider interface {
	ProcessIdentifier() string
	ProcessDisplayName() string
}

// DefaultProcessMetaData reports the OS pid and executable name.
type DefaultProcessMetaData struct{}

func (DefaultProcessMetaData) ProcessIdentifier() string {
	return strconv.Itoa(os.Getpid())
}

func (DefaultProcessMetaData) ProcessDisplayName() string {
	if len(os.Args) == 0 {
		return "unknown"
	}
	return filepath.Base(os.Args[0])
}
