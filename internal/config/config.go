package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "FREQSWITCH"

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
	File   string `mapstructure:"file"`   // optional, always json
}

type AgentConfig struct {
	Name            string `mapstructure:"name"`
	IntervalSeconds int    `mapstructure:"interval_seconds"`
	RecoverySeconds int    `mapstructure:"recovery_seconds"`
	TimeoutSeconds  int    `mapstructure:"timeout_seconds"`
}

type DeviceConfig struct {
	Address     string `mapstructure:"address"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	PasswordEnv string `mapstructure:"password_env"` // e.g. FREQSWITCH_MASTER_PASSWORD
}

type ThresholdsConfig struct {
	SignalFloorDBm         float64 `mapstructure:"signal_floor_dbm"`
	CCQFloorPercent        float64 `mapstructure:"ccq_floor_percent"`
	TxCapacityFloorPercent float64 `mapstructure:"tx_capacity_floor_percent"`
}

type FailoverConfig struct {
	SettleSeconds         int     `mapstructure:"settle_seconds"`
	VerifyAttempts        int     `mapstructure:"verify_attempts"`
	VerifyIntervalSeconds int     `mapstructure:"verify_interval_seconds"`
	ToleranceMHz          float64 `mapstructure:"tolerance_mhz"`
}

// HTTPConfig tunes how the radios' web interface is reached.
type HTTPConfig struct {
	Scheme             string `mapstructure:"scheme"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
	UserAgent          string `mapstructure:"user_agent"`
}

type ProbeConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	Count      int  `mapstructure:"count"`
	Privileged bool `mapstructure:"privileged"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type HealthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Exporter string `mapstructure:"exporter"` // stdout or none
}

type Config struct {
	Agent       AgentConfig      `mapstructure:"agent"`
	Master      DeviceConfig     `mapstructure:"master"`
	Slave       DeviceConfig     `mapstructure:"slave"`
	Thresholds  ThresholdsConfig `mapstructure:"thresholds"`
	Frequencies []float64        `mapstructure:"frequencies"`
	Failover    FailoverConfig   `mapstructure:"failover"`
	Device      HTTPConfig       `mapstructure:"device"`
	Probe       ProbeConfig      `mapstructure:"probe"`
	Kafka       KafkaConfig      `mapstructure:"kafka"`
	Health      HealthConfig     `mapstructure:"health"`
	Tracing     TracingConfig    `mapstructure:"tracing"`
	Logging     LoggingConfig    `mapstructure:"logging"`
}

// DefaultFrequencies is the plan used when the config file names none.
var DefaultFrequencies = []float64{5665, 5675, 5685, 5695, 5710, 5760, 5780, 5830, 5835}

func setDefaults(v *viper.Viper) {
	v.SetDefault("agent.name", "freqswitch-agent")
	v.SetDefault("agent.interval_seconds", 300)
	v.SetDefault("agent.recovery_seconds", 60)
	v.SetDefault("agent.timeout_seconds", 15)

	// every key needs a default so AutomaticEnv can override it on Unmarshal
	for _, role := range []string{"master", "slave"} {
		v.SetDefault(role+".address", "")
		v.SetDefault(role+".username", "ubnt")
		v.SetDefault(role+".password", "")
		v.SetDefault(role+".password_env", "")
	}

	v.SetDefault("thresholds.signal_floor_dbm", -70)
	v.SetDefault("thresholds.ccq_floor_percent", 70)
	v.SetDefault("thresholds.tx_capacity_floor_percent", 50)
	v.SetDefault("frequencies", DefaultFrequencies)

	v.SetDefault("failover.settle_seconds", 15)
	v.SetDefault("failover.verify_attempts", 3)
	v.SetDefault("failover.verify_interval_seconds", 15)
	v.SetDefault("failover.tolerance_mhz", 2)

	v.SetDefault("device.scheme", "https")
	v.SetDefault("device.insecure_skip_verify", true)
	v.SetDefault("device.user_agent", "freqswitch-agent/1.0")

	v.SetDefault("probe.enabled", false)
	v.SetDefault("probe.count", 3)
	v.SetDefault("probe.privileged", false)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "freqswitch.events")

	v.SetDefault("health.enabled", true)
	v.SetDefault("health.listen", ":8080")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "stdout")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// env overrides: FREQSWITCH_MASTER_ADDRESS, FREQSWITCH_AGENT_INTERVAL_SECONDS ...
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Master.resolvePassword()
	cfg.Slave.resolvePassword()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// the env var named by password_env wins over an inline password
func (d *DeviceConfig) resolvePassword() {
	if d.PasswordEnv == "" {
		return
	}
	if p, ok := os.LookupEnv(d.PasswordEnv); ok {
		d.Password = p
	}
}

// Validate reports every problem that must stop the agent before it starts.
func (c *Config) Validate() error {
	var errs []error
	if c.Master.Address == "" {
		errs = append(errs, errors.New("master.address is required"))
	}
	if c.Slave.Address == "" {
		errs = append(errs, errors.New("slave.address is required"))
	}
	if c.Master.Address != "" && c.Master.Address == c.Slave.Address {
		errs = append(errs, errors.New("master and slave must be different devices"))
	}
	if c.Agent.IntervalSeconds < 1 {
		errs = append(errs, fmt.Errorf("agent.interval_seconds must be positive, got %d", c.Agent.IntervalSeconds))
	}
	if c.Agent.RecoverySeconds < 1 {
		errs = append(errs, fmt.Errorf("agent.recovery_seconds must be positive, got %d", c.Agent.RecoverySeconds))
	}
	if c.Agent.TimeoutSeconds < 1 {
		errs = append(errs, fmt.Errorf("agent.timeout_seconds must be positive, got %d", c.Agent.TimeoutSeconds))
	}
	if len(c.Frequencies) == 0 {
		errs = append(errs, errors.New("frequencies must list at least one frequency"))
	}
	if c.Failover.VerifyAttempts < 1 {
		errs = append(errs, fmt.Errorf("failover.verify_attempts must be at least 1, got %d", c.Failover.VerifyAttempts))
	}
	if c.Failover.SettleSeconds < 0 || c.Failover.VerifyIntervalSeconds < 0 {
		errs = append(errs, errors.New("failover delays must not be negative"))
	}
	if c.Failover.ToleranceMHz < 0 {
		errs = append(errs, fmt.Errorf("failover.tolerance_mhz must not be negative, got %g", c.Failover.ToleranceMHz))
	}
	if s := c.Device.Scheme; s != "http" && s != "https" {
		errs = append(errs, fmt.Errorf("device.scheme must be http or https, got %q", s))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka.topic is required when brokers are set"))
	}
	if c.Health.Enabled && c.Health.Listen == "" {
		errs = append(errs, errors.New("health.listen is required when health is enabled"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (a AgentConfig) Interval() time.Duration {
	return time.Duration(a.IntervalSeconds) * time.Second
}

func (a AgentConfig) Recovery() time.Duration {
	return time.Duration(a.RecoverySeconds) * time.Second
}

func (a AgentConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

func (f FailoverConfig) Settle() time.Duration {
	return time.Duration(f.SettleSeconds) * time.Second
}

func (f FailoverConfig) VerifyInterval() time.Duration {
	return time.Duration(f.VerifyIntervalSeconds) * time.Second
}
