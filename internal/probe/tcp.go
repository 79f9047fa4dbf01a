package probe

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

const (
	TcpProbeName      = "tcp"
	DefaultTcpAddress = "dns.watch:80"

	// DefaultTimeout bounds both the connect and the operations on an established connection.
	DefaultTimeout = 3 * time.Second
)

type TcpProbe struct {
	address string
	timeout time.Duration
}

func NewTcpProbe(args map[string]any) (*TcpProbe, error) {
	ret := &TcpProbe{
		address: DefaultTcpAddress,
		timeout: DefaultTimeout,
	}

	if addressRaw, found := args["address"]; found {
		address, ok := addressRaw.(string)
		if !ok {
			return nil, errors.New("address is not a string")
		}
		if err := validateAddress(address); err != nil {
			return nil, err
		}
		ret.address = address
	}

	timeout, err := parseTimeout(args)
	if err != nil {
		return nil, err
	}
	ret.timeout = cmp.Or(timeout, ret.timeout)

	return ret, nil
}

func validateAddress(address string) error {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("could not parse address %q: %w", address, err)
	}
	if host == "" {
		return fmt.Errorf("empty host in address %q", address)
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return errors.New("could not parse port as integer")
	}
	return nil
}

func parseTimeout(args map[string]any) (time.Duration, error) {
	timeoutHuman, ok := args["timeout"].(string)
	if !ok {
		return 0, nil
	}

	timeout, err := time.ParseDuration(timeoutHuman)
	if err != nil {
		return 0, fmt.Errorf("timeout duration could not be parsed: %w", err)
	}
	if timeout <= 0 {
		return 0, errors.New("timeout must be positive")
	}
	return timeout, nil
}

// IsReachable reports whether a TCP connection to the remote endpoint can be established.
// Refused connections, timeouts and resolver failures all count as unreachable.
func (p *TcpProbe) IsReachable(ctx context.Context) (bool, error) {
	dialer := &net.Dialer{
		Timeout: p.timeout,
	}

	conn, err := dialer.DialContext(ctx, "tcp", p.address)
	if err != nil {
		return false, err
	}
	defer func() {
		_ = conn.Close()
	}()

	_ = conn.SetDeadline(time.Now().Add(p.timeout))
	return true, nil
}
