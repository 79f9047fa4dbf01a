package internal

import (
	"context"
	"errors"
)

var ErrNoProbeType = errors.New("no probe type specified")

// Policy reports whether connectivity needs to be watched right now, e.g. only while a tunnel is active.
type Policy interface {
	ShouldWatch() bool
}

// DeviceStore holds the authoritative last-known connectivity flag.
type DeviceStore interface {
	CurrentConnectivity() bool
	SetConnectivity(connected bool)
}

// Journal accepts free-text diagnostic lines. Implementations must not block.
type Journal interface {
	Log(message string)
}

// Prober performs a single bounded-time reachability check.
type Prober interface {
	IsReachable(ctx context.Context) (bool, error)
}

type Service interface {
	Restart(ctx context.Context) error
}
