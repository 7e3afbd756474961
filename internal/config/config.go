// Package config holds the process configuration of the vlab binary.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/loopholelabs/logging/types"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/loopholelabs/vlab/pkg/rendezvous"
	"github.com/loopholelabs/vlab/pkg/runtimes/qemu"
	"github.com/loopholelabs/vlab/pkg/vmconfig"
)

var (
	ErrCouldNotReadConfig   = errors.New("could not read config file")
	ErrCouldNotDecodeConfig = errors.New("could not decode config")
	ErrCouldNotBindFlags    = errors.New("could not bind flags")
	ErrInvalidConfig        = errors.New("invalid config")
	ErrCouldNotExpandPath   = errors.New("could not expand path")
)

const EnvPrefix = "VLAB"

// Config is the process configuration. Keys match the command line flags.
type Config struct {
	VMConfig string `mapstructure:"vm-config"`
	Topology string `mapstructure:"topology"`

	StateDir          string `mapstructure:"state-dir"`
	RendezvousAddress string `mapstructure:"rendezvous-address"`

	// BootTimeout of zero waits for boots indefinitely.
	BootTimeout time.Duration `mapstructure:"boot-timeout"`
	StopTimeout time.Duration `mapstructure:"stop-timeout"`

	SSHUser  string `mapstructure:"ssh-user"`
	SSHPort  int    `mapstructure:"ssh-port"`
	Terminal string `mapstructure:"terminal"`

	// Netns is empty for the host namespace.
	Netns string `mapstructure:"netns"`

	TestNetwork string `mapstructure:"test-network"`
	SegmentBits int    `mapstructure:"segment-bits"`

	NAT          bool   `mapstructure:"nat"`
	NATInterface string `mapstructure:"nat-interface"`

	MetricsAddress string `mapstructure:"metrics-address"`
	HistoryFile    string `mapstructure:"history-file"`
	Start          bool   `mapstructure:"start"`
	LogLevel       string `mapstructure:"log-level"`
}

const DefaultHistoryFile = "~/.vlab_history"

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		StateDir:          vmconfig.DefaultStateDir,
		RendezvousAddress: rendezvous.DefaultAddress,
		StopTimeout:       qemu.DefaultStopTimeout,
		SSHUser:           "root",
		SSHPort:           22,
		Terminal:          "xterm",
		TestNetwork:       "10.10.0.0/16",
		SegmentBits:       24,
		HistoryFile:       DefaultHistoryFile,
		LogLevel:          "info",
	}
}

// New returns a viper instance with the defaults and the VLAB_ environment
// applied.
func New() *viper.Viper {
	v := viper.New()

	d := Defaults()
	v.SetDefault("vm-config", d.VMConfig)
	v.SetDefault("topology", d.Topology)
	v.SetDefault("state-dir", d.StateDir)
	v.SetDefault("rendezvous-address", d.RendezvousAddress)
	v.SetDefault("boot-timeout", d.BootTimeout)
	v.SetDefault("stop-timeout", d.StopTimeout)
	v.SetDefault("ssh-user", d.SSHUser)
	v.SetDefault("ssh-port", d.SSHPort)
	v.SetDefault("terminal", d.Terminal)
	v.SetDefault("netns", d.Netns)
	v.SetDefault("test-network", d.TestNetwork)
	v.SetDefault("segment-bits", d.SegmentBits)
	v.SetDefault("nat", d.NAT)
	v.SetDefault("nat-interface", d.NATInterface)
	v.SetDefault("metrics-address", d.MetricsAddress)
	v.SetDefault("history-file", d.HistoryFile)
	v.SetDefault("start", d.Start)
	v.SetDefault("log-level", d.LogLevel)

	// VLAB_BOOT_TIMEOUT, VLAB_SSH_USER etc.
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return v
}

// Load merges flags and an optional config file over v and decodes the
// result. Flags win over the environment, which wins over the file.
func Load(v *viper.Viper, flags *pflag.FlagSet, file string) (*Config, error) {
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, errors.Join(ErrCouldNotBindFlags, err)
		}
	}

	if file != "" {
		v.SetConfigFile(file)

		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Join(ErrCouldNotReadConfig, err)
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, errors.Join(ErrCouldNotDecodeConfig, err)
	}

	for _, path := range []*string{&c.VMConfig, &c.Topology, &c.StateDir, &c.HistoryFile} {
		expanded, err := homedir.Expand(*path)
		if err != nil {
			return nil, errors.Join(ErrCouldNotExpandPath, err)
		}

		*path = expanded
	}

	return c, nil
}

// Validate checks the settings needed to run a lab.
func (c *Config) Validate() error {
	if c.VMConfig == "" {
		return fmt.Errorf("%w: vm-config is required", ErrInvalidConfig)
	}

	if c.Topology == "" {
		return fmt.Errorf("%w: topology is required", ErrInvalidConfig)
	}

	if c.BootTimeout < 0 || c.StopTimeout < 0 {
		return fmt.Errorf("%w: timeouts must not be negative", ErrInvalidConfig)
	}

	if _, _, err := net.ParseCIDR(c.TestNetwork); err != nil {
		return fmt.Errorf("%w: test-network: %w", ErrInvalidConfig, err)
	}

	if c.SegmentBits < 1 || c.SegmentBits > 30 {
		return fmt.Errorf("%w: segment-bits must be within 1..30, got %d", ErrInvalidConfig, c.SegmentBits)
	}

	if c.SSHPort < 1 || c.SSHPort > 65535 {
		return fmt.Errorf("%w: ssh-port %d", ErrInvalidConfig, c.SSHPort)
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}

	return nil
}

func ParseLogLevel(level string) (types.Level, error) {
	switch strings.ToLower(level) {
	case "trace":
		return types.TraceLevel, nil
	case "debug":
		return types.DebugLevel, nil
	case "", "info":
		return types.InfoLevel, nil
	case "warn", "warning":
		return types.WarnLevel, nil
	case "error":
		return types.ErrorLevel, nil
	default:
		return types.InfoLevel, fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, level)
	}
}
