package utils

import (
	"fmt"
	"os"
	"strings"
	"time"

	"sdn-guard/internal/model"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Application ApplicationYAMLConfig `yaml:"application"`
	Redis       RedisYAMLConfig       `yaml:"redis"`
	Prometheus  PrometheusYAMLConfig  `yaml:"prometheus"`
	Policy      PolicyYAMLConfig      `yaml:"policy"`
	Stats       StatsYAMLConfig       `yaml:"stats"`
	Anomaly     AnomalyYAMLConfig     `yaml:"anomaly"`
	IDS         IDSYAMLConfig         `yaml:"ids"`
	Rules       []model.Rule          `yaml:"rules"`
	Forwarding  ForwardingYAMLConfig  `yaml:"forwarding"`
	Routing     RoutingYAMLConfig     `yaml:"routing"`
	Alerting    AlertingYAMLConfig    `yaml:"alerting"`
	Archive     ArchiveYAMLConfig     `yaml:"archive"`
	API         APIYAMLConfig         `yaml:"api"`
	Logging     LoggingYAMLConfig     `yaml:"logging"`
}

type ApplicationYAMLConfig struct {
	Name        string `yaml:"name"`
	MetricsPort string `yaml:"metrics_port"`
}

type RedisYAMLConfig struct {
	Addr           string `yaml:"addr"`
	Password       string `yaml:"password"`
	DB             int    `yaml:"db"`
	CommandChannel string `yaml:"command_channel"`
	EventChannel   string `yaml:"event_channel"`
	PublishRetries int    `yaml:"publish_retries"`
}

type PrometheusYAMLConfig struct {
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type PolicyYAMLConfig struct {
	FirewallFile string `yaml:"firewall_file"`
	SlicesFile   string `yaml:"slices_file"`
}

type StatsYAMLConfig struct {
	PollIntervalSeconds    int `yaml:"poll_interval_seconds"`
	MinPollIntervalSeconds int `yaml:"min_poll_interval_seconds"`
	RetentionMinutes       int `yaml:"retention_minutes"`
}

type AnomalyYAMLConfig struct {
	Threshold             float64  `yaml:"threshold"`
	LearningPeriodSeconds int      `yaml:"learning_period_seconds"`
	MinSamples            int      `yaml:"min_samples"`
	MaxAlerts             int      `yaml:"max_alerts"`
	MetricOrder           []string `yaml:"metric_order"`
	AlertsFile            string   `yaml:"alerts_file"`
}

type IDSYAMLConfig struct {
	MaxAlerts  int    `yaml:"max_alerts"`
	AlertsFile string `yaml:"alerts_file"`
	RulesFile  string `yaml:"rules_file"`
}

type ForwardingYAMLConfig struct {
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds"`
	HardTimeoutSeconds int `yaml:"hard_timeout_seconds"`
}

type RoutingYAMLConfig struct {
	MinQuality float64 `yaml:"min_quality"`
	Priority   int     `yaml:"priority"`
}

type AlertingYAMLConfig struct {
	Enabled  bool               `yaml:"enabled"`
	Channels AlertChannelsYAML  `yaml:"channels"`
	Telegram TelegramYAMLConfig `yaml:"telegram"`
}

type AlertChannelsYAML struct {
	Log      bool `yaml:"log"`
	Telegram bool `yaml:"telegram"`
}

type TelegramYAMLConfig struct {
	BotToken        string `yaml:"bot_token"`
	ChatID          string `yaml:"chat_id"`
	ParseMode       string `yaml:"parse_mode"`
	Enabled         bool   `yaml:"enabled"`
	MessageTemplate string `yaml:"message_template,omitempty"`
}

type ArchiveYAMLConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

type APIYAMLConfig struct {
	Port      string `yaml:"port"`
	JWTSecret string `yaml:"jwt_secret"`
}

type LoggingYAMLConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	FilePath string `yaml:"file_path"`
}

var knownMetrics = map[string]bool{"packet_rate": true, "byte_rate": true}

func LoadConfig(filename string) (*Config, error) {
	if filename == "" {
		filename = "configs/sdn_guard.yaml"
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %v", filename, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config file %s: %v", filename, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %v", err)
	}

	return &config, nil
}

// Validate fills defaults and rejects values no component can work with
func (c *Config) Validate() error {
	if c.Application.Name == "" {
		c.Application.Name = "sdn-guard"
	}
	if c.Application.MetricsPort == "" {
		c.Application.MetricsPort = "9100"
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.CommandChannel == "" {
		c.Redis.CommandChannel = "sdn:commands"
	}
	if c.Redis.EventChannel == "" {
		c.Redis.EventChannel = "sdn:events"
	}
	if c.Redis.CommandChannel == c.Redis.EventChannel {
		return fmt.Errorf("redis command and event channels must differ")
	}
	if c.Redis.PublishRetries <= 0 {
		c.Redis.PublishRetries = 3
	}

	if c.Prometheus.TimeoutSeconds <= 0 {
		c.Prometheus.TimeoutSeconds = 10
	}

	if c.Policy.FirewallFile == "" {
		c.Policy.FirewallFile = "config/firewall_rules.json"
	}
	if c.Policy.SlicesFile == "" {
		c.Policy.SlicesFile = "config/slices.json"
	}

	if c.Stats.PollIntervalSeconds <= 0 {
		c.Stats.PollIntervalSeconds = 10
	}
	if c.Stats.MinPollIntervalSeconds <= 0 {
		c.Stats.MinPollIntervalSeconds = 2
	}
	if c.Stats.RetentionMinutes <= 0 {
		c.Stats.RetentionMinutes = 30
	}

	if c.Anomaly.Threshold < 0 {
		return fmt.Errorf("anomaly threshold cannot be negative")
	}
	if c.Anomaly.Threshold == 0 {
		c.Anomaly.Threshold = 3.0
	}
	if c.Anomaly.LearningPeriodSeconds <= 0 {
		c.Anomaly.LearningPeriodSeconds = 300
	}
	if c.Anomaly.MinSamples <= 1 {
		c.Anomaly.MinSamples = 10
	}
	if c.Anomaly.MaxAlerts <= 0 {
		c.Anomaly.MaxAlerts = 1000
	}
	if len(c.Anomaly.MetricOrder) == 0 {
		c.Anomaly.MetricOrder = []string{"packet_rate", "byte_rate"}
	}
	for _, m := range c.Anomaly.MetricOrder {
		if !knownMetrics[m] {
			return fmt.Errorf("unknown anomaly metric %q", m)
		}
	}

	if c.IDS.MaxAlerts <= 0 {
		c.IDS.MaxAlerts = 1000
	}

	if c.Forwarding.IdleTimeoutSeconds <= 0 {
		c.Forwarding.IdleTimeoutSeconds = 60
	}

	if c.Routing.MinQuality < 0 || c.Routing.MinQuality >= 1 {
		return fmt.Errorf("routing min_quality must be in [0, 1)")
	}
	if c.Routing.MinQuality == 0 {
		c.Routing.MinQuality = 0.3
	}
	if c.Routing.Priority <= 0 {
		c.Routing.Priority = 50
	}

	if c.Archive.Path == "" {
		c.Archive.Path = "data/alerts.db"
	}
	if c.Archive.RetentionDays < 0 {
		return fmt.Errorf("archive retention_days cannot be negative")
	}

	if c.API.Port == "" {
		c.API.Port = "8080"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "INFO"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	return nil
}

func (c *Config) GetRuleConfigByName(name string) (*model.Rule, bool) {
	for i := range c.Rules {
		if c.Rules[i].Name == name {
			return &c.Rules[i], true
		}
	}
	return nil, false
}

func (c *Config) IsRuleEnabled(name string) bool {
	rule, exists := c.GetRuleConfigByName(name)
	return exists && rule.Enabled
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Stats.PollIntervalSeconds) * time.Second
}

func (c *Config) MinPollInterval() time.Duration {
	return time.Duration(c.Stats.MinPollIntervalSeconds) * time.Second
}

func (c *Config) Retention() time.Duration {
	return time.Duration(c.Stats.RetentionMinutes) * time.Minute
}

// ArchiveRetention is zero when archived alerts are kept forever
func (c *Config) ArchiveRetention() time.Duration {
	return time.Duration(c.Archive.RetentionDays) * 24 * time.Hour
}

func (c *Config) LearningPeriod() time.Duration {
	return time.Duration(c.Anomaly.LearningPeriodSeconds) * time.Second
}

// GetMetricsPort strips any host part from the metrics port setting
func (c *Config) GetMetricsPort() string {
	port := c.Application.MetricsPort
	if idx := strings.LastIndex(port, ":"); idx >= 0 {
		port = port[idx+1:]
	}
	return port
}

// RuleThreshold reads a numeric threshold from a rule config, accepting
// whichever of keys is present first. YAML decodes integers as int.
func RuleThreshold(rule *model.Rule, def float64, keys ...string) float64 {
	for _, key := range keys {
		switch v := rule.Thresholds[key].(type) {
		case float64:
			return v
		case int:
			return float64(v)
		}
	}
	return def
}

// RuleString reads a string option from a rule config
func RuleString(rule *model.Rule, def string, key string) string {
	if v, ok := rule.Thresholds[key].(string); ok && v != "" {
		return v
	}
	return def
}

// GetDefaultConfig returns a default Config
func GetDefaultConfig() *Config {
	config := &Config{
		Rules: []model.Rule{
			{
				Name:        "syn_flood",
				Enabled:     true,
				Severity:    model.SeverityHigh,
				Description: "SYN packets per source/destination pair in a 30s window",
				Thresholds:  map[string]interface{}{"count": 100, "window_seconds": 30, "trigger": "edge"},
			},
			{
				Name:        "port_scan",
				Enabled:     true,
				Severity:    model.SeverityMedium,
				Description: "Distinct destination ports contacted by one source in 5s",
				Thresholds:  map[string]interface{}{"distinct_ports": 15, "window_seconds": 5, "trigger": "level"},
			},
		},
		Alerting: AlertingYAMLConfig{
			Enabled: true,
			Channels: AlertChannelsYAML{
				Log:      true,
				Telegram: false,
			},
			Telegram: TelegramYAMLConfig{
				ParseMode: "Markdown",
			},
		},
		IDS: IDSYAMLConfig{
			AlertsFile: "data/ids_alerts.json",
		},
		Anomaly: AnomalyYAMLConfig{
			AlertsFile: "data/anomaly_alerts.json",
		},
	}
	// defaults never fail validation
	_ = config.Validate()
	return config
}
