// Package config resolves the collector settings from defaults, an optional TOML
// file and command line flags, in that order of precedence (flags win).
//
// TOML keys are the long flag names in snake case:
//
//	ip = "192.0.2.1"
//	username = "ir"
//	keyfile = "/home/ir/.ssh/id_ed25519"
//	cmdpath = "./commands"
//	get_files = true
//	connect_timeout = "15s"
//
// Environment Variables:
//   - ROSAC_KEY_PASSPHRASE: private key passphrase, used when none is configured
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
)

// PassphraseEnv names the environment variable consulted for the key passphrase
const PassphraseEnv = "ROSAC_KEY_PASSPHRASE"

// Config holds everything one collection run needs
type Config struct {
	// Connection
	IP             string        `toml:"ip" validate:"required,hostname_rfc1123|ip"`
	Port           int           `toml:"port" validate:"min=1,max=65535"`
	Username       string        `toml:"username" validate:"required"`
	KeyFile        string        `toml:"keyfile" validate:"required,file"`
	KeyPassphrase  string        `toml:"key_passphrase"`
	KnownHosts     string        `toml:"known_hosts" validate:"omitempty,file"`
	ConnectTimeout time.Duration `toml:"connect_timeout" validate:"gte=0"`
	ConnectRetries int           `toml:"connect_retries" validate:"min=0,max=10"`

	// Commands
	CmdPath        string        `toml:"cmdpath" validate:"required,dir"`
	CommandTimeout time.Duration `toml:"command_timeout" validate:"gte=0"`
	CommandRate    float64       `toml:"command_rate" validate:"gte=0"`

	// Optional stages
	GetFiles      bool   `toml:"get_files"`
	SysBackup     bool   `toml:"sys_backup"`
	ConfBackup    bool   `toml:"conf_backup"`
	SNMPCommunity string `toml:"snmp_community"`
	SNMPPort      int    `toml:"snmp_port" validate:"min=1,max=65535"`

	// Output
	WorkDir     string `toml:"workdir" validate:"required,dir"`
	MetricsFile string `toml:"metrics_file"`
}

// Defaults returns the configuration used when neither file nor flags set a value
func Defaults() *Config {
	return &Config{
		Port:           22,
		ConnectTimeout: 10 * time.Second,
		SNMPPort:       161,
		WorkDir:        ".",
	}
}

// flagFields maps each long flag name to the Config field it sets
var flagFields = map[string]func(dst, src *Config){
	"ip":              func(d, s *Config) { d.IP = s.IP },
	"port":            func(d, s *Config) { d.Port = s.Port },
	"username":        func(d, s *Config) { d.Username = s.Username },
	"keyfile":         func(d, s *Config) { d.KeyFile = s.KeyFile },
	"key-passphrase":  func(d, s *Config) { d.KeyPassphrase = s.KeyPassphrase },
	"known-hosts":     func(d, s *Config) { d.KnownHosts = s.KnownHosts },
	"connect-timeout": func(d, s *Config) { d.ConnectTimeout = s.ConnectTimeout },
	"connect-retries": func(d, s *Config) { d.ConnectRetries = s.ConnectRetries },
	"cmdpath":         func(d, s *Config) { d.CmdPath = s.CmdPath },
	"command-timeout": func(d, s *Config) { d.CommandTimeout = s.CommandTimeout },
	"command-rate":    func(d, s *Config) { d.CommandRate = s.CommandRate },
	"get-files":       func(d, s *Config) { d.GetFiles = s.GetFiles },
	"sys-backup":      func(d, s *Config) { d.SysBackup = s.SysBackup },
	"conf-backup":     func(d, s *Config) { d.ConfBackup = s.ConfBackup },
	"snmp-community":  func(d, s *Config) { d.SNMPCommunity = s.SNMPCommunity },
	"snmp-port":       func(d, s *Config) { d.SNMPPort = s.SNMPPort },
	"workdir":         func(d, s *Config) { d.WorkDir = s.WorkDir },
	"metrics-file":    func(d, s *Config) { d.MetricsFile = s.MetricsFile },
}

// BindFlags registers one flag per Config field on fs, storing values in c.
// The current values of c are used as flag defaults.
func BindFlags(fs *pflag.FlagSet, c *Config) {
	fs.StringVar(&c.IP, "ip", c.IP, "RouterOS device address (required)")
	fs.IntVar(&c.Port, "port", c.Port, "SSH port")
	fs.StringVar(&c.Username, "username", c.Username, "SSH user (required)")
	fs.StringVar(&c.KeyFile, "keyfile", c.KeyFile, "Path to the SSH private key (required)")
	fs.StringVar(&c.KeyPassphrase, "key-passphrase", c.KeyPassphrase, "Private key passphrase (or set "+PassphraseEnv+")")
	fs.StringVar(&c.KnownHosts, "known-hosts", c.KnownHosts, "known_hosts file used to verify the device host key")
	fs.DurationVar(&c.ConnectTimeout, "connect-timeout", c.ConnectTimeout, "SSH dial and handshake timeout")
	fs.IntVar(&c.ConnectRetries, "connect-retries", c.ConnectRetries, "Retries for transient connection failures")
	fs.StringVar(&c.CmdPath, "cmdpath", c.CmdPath, "Directory holding the command files (required)")
	fs.DurationVar(&c.CommandTimeout, "command-timeout", c.CommandTimeout, "Per-command timeout (0 = none)")
	fs.Float64Var(&c.CommandRate, "command-rate", c.CommandRate, "Maximum commands per second (0 = unlimited)")
	fs.BoolVar(&c.GetFiles, "get-files", c.GetFiles, "Download all files from the device")
	fs.BoolVar(&c.SysBackup, "sys-backup", c.SysBackup, "Create and download a system backup")
	fs.BoolVar(&c.ConfBackup, "conf-backup", c.ConfBackup, "Export and download the configuration")
	fs.StringVar(&c.SNMPCommunity, "snmp-community", c.SNMPCommunity, "SNMP v2c community for the health MIB (empty = skip)")
	fs.IntVar(&c.SNMPPort, "snmp-port", c.SNMPPort, "SNMP port")
	fs.StringVar(&c.WorkDir, "workdir", c.WorkDir, "Directory receiving output/ and the archive")
	fs.StringVar(&c.MetricsFile, "metrics-file", c.MetricsFile, "Write Prometheus textfile metrics to this path")
}

// LoadFile decodes a TOML file over c. Unknown keys are rejected.
func LoadFile(path string, c *Config) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("unknown keys in config file %s: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// Resolve builds the effective configuration: defaults, then the TOML file at
// path (if any), then every flag explicitly set on fs, copied from flagged.
// The result is validated.
func Resolve(path string, fs *pflag.FlagSet, flagged *Config) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		if err := LoadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if fs != nil && flagged != nil {
		fs.Visit(func(f *pflag.Flag) {
			if set, ok := flagFields[f.Name]; ok {
				set(cfg, flagged)
			}
		})
	}

	if cfg.KeyPassphrase == "" {
		cfg.KeyPassphrase = os.Getenv(PassphraseEnv)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report fields by their TOML key, which is also the flag name in snake case
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("toml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks required fields, ranges and that referenced paths exist
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config validation failed: %w", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	flag := strings.ReplaceAll(fe.Field(), "_", "-")
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("--%s is required", flag)
	case "file":
		return fmt.Sprintf("--%s: file %q does not exist", flag, fe.Value())
	case "dir":
		return fmt.Sprintf("--%s: directory %q does not exist", flag, fe.Value())
	case "hostname_rfc1123|ip":
		return fmt.Sprintf("--%s: %q is neither a hostname nor an IP address", flag, fe.Value())
	default:
		return fmt.Sprintf("--%s: value %v fails %s=%s", flag, fe.Value(), fe.Tag(), fe.Param())
	}
}
