package service

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Systemd restarts a unit, e.g. the tunnel, after connectivity was lost.
type Systemd struct {
	unit string
}

func NewSystemdUnit(unit string) (*Systemd, error) {
	if unit == "" {
		return nil, errors.New("empty unit name provided")
	}

	exists, err := unitExists(unit)
	if err != nil || !exists {
		return nil, fmt.Errorf("systemd unit %q does not seem to exist", unit)
	}

	return &Systemd{unit: unit}, nil
}

func unitExists(unit string) (bool, error) {
	cmd := exec.Command("systemctl", "status", unit)
	output, err := cmd.CombinedOutput()

	// If the output contains "Loaded: not-found", the unit doesn't exist
	if strings.Contains(string(output), "Loaded: not-found") {
		return false, nil
	}

	if err != nil && errors.Is(err, exec.ErrNotFound) {
		return false, nil
	}

	return true, nil
}

func (s *Systemd) Restart(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "systemctl", "restart", s.unit)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to restart unit %s: %w", s.unit, err)
	}
	return nil
}
