// Package env assembles the configuration of the bus programs from
// defaults, a YAML file, RRBUS_* environment variables and flags, later
// sources overriding earlier ones.
package env

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/denisbrodbeck/machineid"
	"gopkg.in/yaml.v3"

	"github.com/robotalks/rrbus/pkg/master"
	"github.com/robotalks/rrbus/pkg/transport"
)

// EnvPrefix prefixes the environment variables.
const EnvPrefix = "RRBUS_"

// Config configures a bus master.
type Config struct {
	// ConfigFile is the YAML file loaded, from -config or RRBUS_CONFIG.
	ConfigFile string `yaml:"-"`

	// BusName names the bus in MQTT topics.
	BusName string `yaml:"bus-name"`
	// Port is the transport URL, e.g. serial:///dev/ttyUSB0?baud=38400.
	Port    string        `yaml:"port"`
	Timeout time.Duration `yaml:"timeout"`

	PingTimeout     time.Duration `yaml:"ping-timeout"`
	DeadNodePeriod  time.Duration `yaml:"dead-node-period"`
	Discover        bool          `yaml:"discover"`
	StoreOnDiscover bool          `yaml:"store-on-discover"`
	AutoConfirm     bool          `yaml:"auto-confirm"`

	// MQTTBrokerURL e.g. mqtt://host:port/topic-prefix/, empty disables
	// the bridge.
	MQTTBrokerURL string `yaml:"mqtt"`
	ClientID      string `yaml:"client-id"`

	// JournalPath is the SQLite file, empty disables the journal.
	JournalPath      string        `yaml:"journal"`
	JournalRetention time.Duration `yaml:"journal-retention"`
}

// Default gets the default config.
func Default() *Config {
	return &Config{
		BusName:          "main",
		Port:             "serial:///dev/ttyUSB0?baud=" + strconv.Itoa(transport.DefaultBaud),
		Timeout:          100 * time.Millisecond,
		PingTimeout:      master.DefaultPingTimeout,
		DeadNodePeriod:   master.DefaultDeadNodePeriod,
		Discover:         true,
		AutoConfirm:      true,
		MQTTBrokerURL:    "mqtt://localhost:1883/rrbus/",
		ClientID:         DefaultClientID(),
		JournalRetention: 7 * 24 * time.Hour,
	}
}

// DefaultClientID derives the MQTT client id from the machine id.
func DefaultClientID() string {
	id, err := machineid.ProtectedID("rrbus")
	if err != nil || len(id) < 12 {
		host, _ := os.Hostname()
		return "rrbus-" + host
	}
	return "rrbus-" + id[:12]
}

// SetupFlags registers flags bound to c.
func (c *Config) SetupFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "YAML config file")
	fs.StringVar(&c.BusName, "bus", c.BusName, "Bus name")
	fs.StringVar(&c.Port, "port", c.Port, "Bus transport URL (serial, tcp, ws)")
	fs.DurationVar(&c.Timeout, "timeout", c.Timeout, "Answer timeout")
	fs.DurationVar(&c.PingTimeout, "ping-timeout", c.PingTimeout, "Ping period of a node")
	fs.DurationVar(&c.DeadNodePeriod, "dead-node-period", c.DeadNodePeriod, "Retry period of unreachable nodes")
	fs.BoolVar(&c.Discover, "discover", c.Discover, "Probe unknown addresses")
	fs.BoolVar(&c.StoreOnDiscover, "store-on-discover", c.StoreOnDiscover, "Make discovered nodes store their configuration")
	fs.BoolVar(&c.AutoConfirm, "auto-confirm", c.AutoConfirm, "Confirm nodes as soon as they're online")
	fs.StringVar(&c.MQTTBrokerURL, "mqtt", c.MQTTBrokerURL, "MQTT broker URL, empty to disable")
	fs.StringVar(&c.ClientID, "client-id", c.ClientID, "MQTT client id")
	fs.StringVar(&c.JournalPath, "journal", c.JournalPath, "SQLite journal file, empty to disable")
	fs.DurationVar(&c.JournalRetention, "journal-retention", c.JournalRetention, "Age of pruned journal entries")
}

// LoadFile merges a YAML file into c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides c from RRBUS_* variables read with getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	strs := map[string]*string{
		"BUS":     &c.BusName,
		"PORT":    &c.Port,
		"MQTT":    &c.MQTTBrokerURL,
		"CLIENT":  &c.ClientID,
		"JOURNAL": &c.JournalPath,
	}
	for name, p := range strs {
		if val, ok := lookup(getenv, name); ok {
			*p = val
		}
	}
	durations := map[string]*time.Duration{
		"TIMEOUT":      &c.Timeout,
		"PING_TIMEOUT": &c.PingTimeout,
	}
	for name, p := range durations {
		if val, ok := lookup(getenv, name); ok {
			d, err := time.ParseDuration(val)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
			}
			*p = d
		}
	}
	if val, ok := lookup(getenv, "DISCOVER"); ok {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("%sDISCOVER: %w", EnvPrefix, err)
		}
		c.Discover = b
	}
	return nil
}

func lookup(getenv func(string) string, name string) (string, bool) {
	val := getenv(EnvPrefix + name)
	return val, val != ""
}

// Load parses args with fs and builds the config: defaults, the config
// file, the environment then the flags explicitly set.
func Load(fs *flag.FlagSet, args []string, getenv func(string) string) (*Config, error) {
	flags := Default()
	flags.SetupFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	c := Default()
	c.ConfigFile = flags.ConfigFile
	if c.ConfigFile == "" {
		c.ConfigFile = getenv(EnvPrefix + "CONFIG")
	}
	if c.ConfigFile != "" {
		if err := c.LoadFile(c.ConfigFile); err != nil {
			return nil, err
		}
	}
	if err := c.ApplyEnv(getenv); err != nil {
		return nil, err
	}

	bound := flag.NewFlagSet(fs.Name(), flag.ContinueOnError)
	c.SetupFlags(bound)
	var err error
	fs.Visit(func(f *flag.Flag) {
		// flags of other packages, e.g. glog, share fs
		if err == nil && f.Name != "config" && bound.Lookup(f.Name) != nil {
			err = bound.Set(f.Name, f.Value.String())
		}
	})
	return c, err
}

// PollerOptions applies the poll settings.
func (c *Config) PollerOptions(p *master.Poller) {
	p.PingTimeout = c.PingTimeout
	p.DeadNodePeriod = c.DeadNodePeriod
	p.Discover = c.Discover
	p.StoreOnDiscover = c.StoreOnDiscover
	p.AutoConfirm = c.AutoConfirm
	if c.Timeout > 0 {
		p.Bus.X.Timeout = c.Timeout
	}
}
