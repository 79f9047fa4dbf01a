package probe

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
)

const (
	HttpProbeName = "http"
	defaultMethod = http.MethodGet
)

var defaultStatusCodes = []int{http.StatusOK, http.StatusNoContent}

// HttpProbe detects connectivity behind captive portals, which accept TCP connections but rewrite responses.
type HttpProbe struct {
	endpoint          string
	method            string
	wantedStatusCodes []int
	httpClient        *http.Client
}

func NewHttpProbe(args map[string]any) (*HttpProbe, error) {
	endpoint, ok := args["url"].(string)
	if !ok || endpoint == "" {
		return nil, errors.New("missing url in args")
	}

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("could not parse url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}

	statusCodes := defaultStatusCodes
	if codesRaw, found := args["status_codes"]; found {
		statusCodes, err = parseStatusCodes(codesRaw)
		if err != nil {
			return nil, err
		}
	}

	timeout, err := parseTimeout(args)
	if err != nil {
		return nil, err
	}

	return &HttpProbe{
		endpoint:          endpoint,
		method:            defaultMethod,
		wantedStatusCodes: statusCodes,
		httpClient: &http.Client{
			Timeout: cmp.Or(timeout, DefaultTimeout),
			// a redirect is what a captive portal answers with, it must not be followed
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

func parseStatusCodes(raw any) ([]int, error) {
	list, ok := raw.([]any)
	if !ok || len(list) == 0 {
		return nil, errors.New("status_codes must be a non-empty list")
	}

	ret := make([]int, 0, len(list))
	for _, item := range list {
		code, ok := item.(int)
		if !ok || code < 100 || code > 599 {
			return nil, fmt.Errorf("invalid status code %v", item)
		}
		ret = append(ret, code)
	}
	return ret, nil
}

func (h *HttpProbe) IsReachable(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, h.method, h.endpoint, nil)
	if err != nil {
		return false, err
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return false, err
	}

	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	return slices.Contains(h.wantedStatusCodes, resp.StatusCode), nil
}
