package conf

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

const (
	defaultProbeType    = "tcp"
	defaultPollInterval = 30 * time.Second
	defaultMetricsAddr  = "127.0.0.1:9224"
)

var (
	validate *validator.Validate = validator.New()

	probeTypes = []string{"tcp", "icmp", "http"}
)

type Config struct {
	Probe  map[string]any `json:"probe" yaml:"probe" validate:"required"`
	Tunnel TunnelConfig   `json:"tunnel" yaml:"tunnel"`

	// InitiallyConnected is the connectivity state assumed before the first probe.
	InitiallyConnected bool `json:"initially_connected" yaml:"initially_connected"`

	MetricsFile string `json:"metrics_file" yaml:"metrics_file" validate:"excluded_with=MetricsAddr,omitempty,filepath"`
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr" validate:"excluded_with=MetricsFile,omitempty,hostname_port"`
}

func (c *Config) Validate() error {
	var errs error
	if err := validate.Struct(c); err != nil {
		errs = multierr.Append(errs, err)
	}

	probeType, found := c.Probe["type"]
	if !found {
		errs = multierr.Append(errs, errors.New("no probe type specified"))
	} else if name, ok := probeType.(string); !ok || !slices.Contains(probeTypes, name) {
		errs = multierr.Append(errs, fmt.Errorf("probe type %v is not one of %v", probeType, probeTypes))
	}

	if c.Tunnel.RestartUnit != "" && c.Tunnel.Interface == "" {
		errs = multierr.Append(errs, errors.New("restart_unit requires a tunnel interface"))
	}

	return errs
}

type TunnelConfig struct {
	// Interface is watched for; if empty connectivity is always watched.
	Interface    string        `json:"interface" yaml:"interface" validate:"omitempty,printascii,excludesall=/ ,max=15"`
	RestartUnit  string        `json:"restart_unit" yaml:"restart_unit" validate:"omitempty,printascii,excludesall= "`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval" validate:"gte=1s"`
}

func (conf *TunnelConfig) UnmarshalYAML(node *yaml.Node) error {
	type Alias TunnelConfig // Create an alias to avoid recursion during unmarshalling

	tmp := &Alias{
		PollInterval: defaultPollInterval,
	}

	if err := node.Decode(&tmp); err != nil {
		return err
	}

	*conf = TunnelConfig(*tmp)
	return nil
}

func defaultConfig() Config {
	return Config{
		Probe: map[string]any{
			"type": defaultProbeType,
		},
		Tunnel: TunnelConfig{
			PollInterval: defaultPollInterval,
		},
		InitiallyConnected: true,
		MetricsAddr:        defaultMetricsAddr,
	}
}

func ReadFromFile(filePath string) (*Config, error) {
	conf := defaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, &conf); err != nil {
		return nil, err
	}

	// writing metrics to a file replaces the default http endpoint
	if conf.MetricsFile != "" && conf.MetricsAddr == defaultMetricsAddr {
		conf.MetricsAddr = ""
	}
	return &conf, nil
}
