package tunnel

import (
	"errors"
	"log/slog"
	"net"
)

// Interface requires watching while the tunnel interface exists and is up.
type Interface struct {
	name   string
	lookup func(name string) (*net.Interface, error)
}

func NewInterface(name string) (*Interface, error) {
	if name == "" {
		return nil, errors.New("empty interface name provided")
	}

	return &Interface{
		name:   name,
		lookup: net.InterfaceByName,
	}, nil
}

func (p *Interface) ShouldWatch() bool {
	iface, err := p.lookup(p.name)
	if err != nil {
		slog.Debug("Tunnel interface not available", "interface", p.name, "err", err)
		return false
	}

	return iface.Flags&net.FlagUp != 0
}

// Static always returns the same answer, used when no tunnel is configured.
type Static bool

func (s Static) ShouldWatch() bool {
	return bool(s)
}
