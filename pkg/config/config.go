// Package config загружает конфигурацию softphone из YAML файла и
// переменных окружения с префиксом SAL_.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/arzzra/sal/pkg/media_sdp"
	"github.com/arzzra/sal/pkg/sal"
)

const envPrefix = "SAL"

// Config корневая конфигурация
type Config struct {
	SIP     SIPConfig     `mapstructure:"sip" yaml:"sip"`
	Media   MediaConfig   `mapstructure:"media" yaml:"media"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// SIPConfig сигнальная часть
type SIPConfig struct {
	// Listen адрес прослушивания host:port
	Listen    string `mapstructure:"listen" yaml:"listen"`
	Transport string `mapstructure:"transport" yaml:"transport"`
	// Host адрес для Via исходящих запросов
	Host      string `mapstructure:"host" yaml:"host"`
	UserAgent string `mapstructure:"user_agent" yaml:"user_agent"`
	// Identity адрес From исходящих вызовов
	Identity      string `mapstructure:"identity" yaml:"identity"`
	Contact       string `mapstructure:"contact" yaml:"contact"`
	OutboundProxy string `mapstructure:"outbound_proxy" yaml:"outbound_proxy,omitempty"`
	QueueSize     int    `mapstructure:"queue_size" yaml:"queue_size"`
}

// MediaConfig параметры локального описания медиа
type MediaConfig struct {
	Address string `mapstructure:"address" yaml:"address"`
	Port    int    `mapstructure:"port" yaml:"port"`
	// Codecs в порядке предпочтения, например PCMU, PCMA, opus/48000/2
	Codecs      []string `mapstructure:"codecs" yaml:"codecs"`
	Ptime       int      `mapstructure:"ptime" yaml:"ptime"`
	Bandwidth   int      `mapstructure:"bandwidth" yaml:"bandwidth,omitempty"`
	SdpHandling string   `mapstructure:"sdp_handling" yaml:"sdp_handling"`
}

// LogConfig параметры logrus и ротации файла
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// MetricsConfig HTTP эндпоинт prometheus
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
}

// Default возвращает конфигурацию по умолчанию
func Default() *Config {
	return &Config{
		SIP: SIPConfig{
			Listen:    "0.0.0.0:5060",
			Transport: "udp",
			Host:      "127.0.0.1",
			UserAgent: "SoftPhone/1.0",
			Identity:  "sip:softphone@127.0.0.1",
			Contact:   "sip:softphone@127.0.0.1:5060",
			QueueSize: 256,
		},
		Media: MediaConfig{
			Address:     "127.0.0.1",
			Port:        4000,
			Codecs:      []string{"PCMU", "PCMA", "telephone-event"},
			Ptime:       20,
			SdpHandling: "tolerant",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  "127.0.0.1:9090",
		},
	}
}

// setDefaults регистрирует значения по умолчанию в viper, чтобы переменные
// окружения работали и без файла
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("sip.listen", d.SIP.Listen)
	v.SetDefault("sip.transport", d.SIP.Transport)
	v.SetDefault("sip.host", d.SIP.Host)
	v.SetDefault("sip.user_agent", d.SIP.UserAgent)
	v.SetDefault("sip.identity", d.SIP.Identity)
	v.SetDefault("sip.contact", d.SIP.Contact)
	v.SetDefault("sip.outbound_proxy", d.SIP.OutboundProxy)
	v.SetDefault("sip.queue_size", d.SIP.QueueSize)

	v.SetDefault("media.address", d.Media.Address)
	v.SetDefault("media.port", d.Media.Port)
	v.SetDefault("media.codecs", d.Media.Codecs)
	v.SetDefault("media.ptime", d.Media.Ptime)
	v.SetDefault("media.bandwidth", d.Media.Bandwidth)
	v.SetDefault("media.sdp_handling", d.Media.SdpHandling)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.listen", d.Metrics.Listen)
}

// Load читает конфигурацию. Пустой path означает только значения по
// умолчанию и переменные окружения (SAL_SIP_LISTEN, SAL_LOG_LEVEL, ...).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		ext := filepath.Ext(path)
		v.SetConfigFile(path)
		v.SetConfigType(strings.TrimPrefix(ext, "."))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save записывает конфигурацию в YAML
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}

// Validate проверяет корректность конфигурации
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.SIP.Listen); err != nil {
		return fmt.Errorf("sip.listen: некорректный адрес %q: %w", c.SIP.Listen, err)
	}
	switch strings.ToLower(c.SIP.Transport) {
	case "udp", "tcp":
	default:
		return fmt.Errorf("sip.transport: неподдерживаемый транспорт %q", c.SIP.Transport)
	}
	if c.SIP.Identity == "" {
		return fmt.Errorf("sip.identity не может быть пустым")
	}
	if c.SIP.QueueSize < 0 {
		return fmt.Errorf("sip.queue_size не может быть отрицательным")
	}

	if c.Media.Port <= 0 || c.Media.Port > 65535 {
		return fmt.Errorf("media.port: некорректный порт %d", c.Media.Port)
	}
	if len(c.Media.Codecs) == 0 {
		return fmt.Errorf("media.codecs не может быть пустым")
	}
	if _, err := c.Media.codecs(); err != nil {
		return fmt.Errorf("media.codecs: %w", err)
	}
	if _, ok := media_sdp.ParseSdpHandling(c.Media.SdpHandling); !ok {
		return fmt.Errorf("media.sdp_handling: неизвестная политика %q", c.Media.SdpHandling)
	}

	if _, err := sal.ParseLogLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			return fmt.Errorf("metrics.listen: некорректный адрес %q: %w", c.Metrics.Listen, err)
		}
	}
	return nil
}

// codecs разбирает список кодеков. Кодекам вида name/rate назначаются
// свободные динамические payload types начиная с 96.
func (m MediaConfig) codecs() ([]media_sdp.Codec, error) {
	out := make([]media_sdp.Codec, len(m.Codecs))
	used := map[uint8]bool{}
	var dynamic []int
	for i, spec := range m.Codecs {
		c, err := media_sdp.LookupCodec(spec)
		if err != nil {
			return nil, err
		}
		out[i] = c
		if strings.Contains(spec, "/") {
			dynamic = append(dynamic, i)
			continue
		}
		if used[c.PayloadType] {
			return nil, fmt.Errorf("кодек %s указан повторно", spec)
		}
		used[c.PayloadType] = true
	}
	next := uint8(96)
	for _, i := range dynamic {
		for used[next] {
			next++
		}
		if next > 127 {
			return nil, fmt.Errorf("нет свободных динамических payload types для %s", m.Codecs[i])
		}
		out[i].PayloadType = next
		used[next] = true
	}
	return out, nil
}

// MediaDescription строит локальное описание медиа по конфигурации
func (c *Config) MediaDescription() (*media_sdp.MediaDescription, error) {
	codecs, err := c.Media.codecs()
	if err != nil {
		return nil, err
	}
	md := &media_sdp.MediaDescription{
		Address: c.Media.Address,
		Streams: []media_sdp.StreamDescription{{
			Type:      "audio",
			Proto:     "RTP/AVP",
			Address:   c.Media.Address,
			Port:      c.Media.Port,
			Direction: media_sdp.DirectionSendRecv,
			Codecs:    codecs,
			Bandwidth: c.Media.Bandwidth,
		}},
	}
	if c.Media.Ptime > 0 {
		md.Streams[0].Attributes = append(md.Streams[0].Attributes,
			media_sdp.Attribute{Key: "ptime", Value: strconv.Itoa(c.Media.Ptime)})
	}
	return md, nil
}

// LogOptions параметры logger
func (c *Config) LogOptions() sal.LogOptions {
	return sal.LogOptions{
		Level:      c.Log.Level,
		Format:     c.Log.Format,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
}

// StackConfig параметры стека операций
func (c *Config) StackConfig() sal.StackConfig {
	handling, _ := media_sdp.ParseSdpHandling(c.Media.SdpHandling)
	return sal.StackConfig{
		UserAgent:     c.SIP.UserAgent,
		Contact:       c.SIP.Contact,
		OutboundProxy: c.SIP.OutboundProxy,
		SdpHandling:   handling,
		QueueSize:     c.SIP.QueueSize,
	}
}
