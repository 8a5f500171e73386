package bufmgr

import (
	"log/slog"
	"strings"
)

// CreateFlags are options shared by every manager in this package
type CreateFlags int32

const (
	// CreateExternallySynchronized indicates that the caller serializes every call into the manager
	// and the buffers it creates, so the manager's internal mutex can be skipped
	CreateExternallySynchronized CreateFlags = 1 << iota
)

var createFlagsMapping = map[CreateFlags]string{
	CreateExternallySynchronized: "CreateExternallySynchronized",
}

func (f CreateFlags) String() string {
	if f == 0 {
		return "None"
	}

	var names []string
	for flag, name := range createFlagsMapping {
		if f&flag != 0 {
			names = append(names, name)
		}
	}
	if f&^CreateExternallySynchronized != 0 {
		names = append(names, "Unknown")
	}

	return strings.Join(names, "|")
}

func (f CreateFlags) useMutex() bool {
	return f&CreateExternallySynchronized == 0
}

func defaultLogger(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
