package probe

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

const (
	IcmpProbeName   = "icmp"
	DefaultIcmpHost = "dns.watch"
)

type IcmpProbe struct {
	host       string
	timeout    time.Duration
	privileged bool
}

func NewIcmpProbe(args map[string]any) (*IcmpProbe, error) {
	ret := &IcmpProbe{
		host:       DefaultIcmpHost,
		timeout:    DefaultTimeout,
		privileged: getPrivilegedDefaultForPlatform(),
	}

	if hostRaw, found := args["host"]; found {
		host, ok := hostRaw.(string)
		if !ok || host == "" {
			return nil, errors.New("host must be a non-empty string")
		}
		ret.host = host
	}

	timeout, err := parseTimeout(args)
	if err != nil {
		return nil, err
	}
	ret.timeout = cmp.Or(timeout, ret.timeout)

	privileged, ok := args["privileged"].(bool)
	if ok {
		ret.privileged = privileged
	}

	return ret, nil
}

func getPrivilegedDefaultForPlatform() bool {
	switch runtime.GOOS {
	case "linux":
		return true
	case "windows":
		return true
	}

	return false
}

func (p *IcmpProbe) IsReachable(ctx context.Context) (bool, error) {
	pinger, err := probing.NewPinger(p.host)
	if err != nil {
		return false, fmt.Errorf("could not create pinger: %w", err)
	}

	count := 1
	pinger.Timeout = p.timeout
	pinger.Count = count
	pinger.SetPrivileged(p.privileged)
	if err := pinger.RunWithContext(ctx); err != nil {
		return false, fmt.Errorf("ping unsuccessful: %w", err)
	}

	stats := pinger.Statistics()
	return stats.PacketsRecv == count, nil
}
