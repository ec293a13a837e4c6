// Package config загружает конфигурацию a2dpplay из YAML файла.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arzzra/a2dp_sink/pkg/ipc"
	"github.com/arzzra/a2dp_sink/pkg/pacer"
	"github.com/arzzra/a2dp_sink/pkg/stream"
)

// Config корень конфигурации
type Config struct {
	LogLevel string        `yaml:"log_level"`
	Control  ControlConfig `yaml:"control"`
	Sink     SinkConfig    `yaml:"sink"`
	Buffer   BufferConfig  `yaml:"buffer"`
	Standby  StandbyConfig `yaml:"standby"`
	Pacer    PacerConfig   `yaml:"pacer"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// ControlConfig control канал аудио сервиса
type ControlConfig struct {
	Socket        string        `yaml:"socket"`
	RecvTimeout   time.Duration `yaml:"recv_timeout"`
	StartTimeout  time.Duration `yaml:"start_timeout"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// SinkConfig приемник
type SinkConfig struct {
	Address          string `yaml:"address"`
	BluetoothEnabled bool   `yaml:"bluetooth_enabled"`
	// ProbeBlueZ проверять подключение приемника через BlueZ перед открытием канала
	ProbeBlueZ bool   `yaml:"probe_bluez"`
	Adapter    string `yaml:"adapter"`
}

// BufferConfig кольцевой буфер и writer
type BufferConfig struct {
	Frames          int           `yaml:"frames"`
	ChunkFrames     int           `yaml:"chunk_frames"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	MaxWriteRetries int           `yaml:"max_write_retries"`
}

// StandbyConfig ожидание записи при standby
type StandbyConfig struct {
	Attempts int           `yaml:"attempts"`
	Timeout  time.Duration `yaml:"timeout"`
}

// PacerConfig темп отправки
type PacerConfig struct {
	PollTimeout time.Duration `yaml:"poll_timeout"`
	CatchUp     time.Duration `yaml:"catch_up"`
}

// MetricsConfig HTTP сервер метрик. Пустой Listen выключает сервер.
type MetricsConfig struct {
	Listen    string `yaml:"listen"`
	Namespace string `yaml:"namespace"`
}

// Default конфигурация по умолчанию
func Default() *Config {
	sc := stream.DefaultConfig()
	ic := ipc.DefaultConfig()
	pc := pacer.DefaultConfig()
	return &Config{
		LogLevel: "info",
		Control: ControlConfig{
			Socket:        ic.Path,
			RecvTimeout:   ic.RecvTimeout,
			StartTimeout:  sc.StartTimeout,
			RetryInterval: sc.Session.RetryInterval,
		},
		Sink: SinkConfig{
			BluetoothEnabled: sc.BluetoothEnabled,
		},
		Buffer: BufferConfig{
			Frames:          sc.BufferFrames,
			ChunkFrames:     sc.ChunkFrames,
			WriteTimeout:    sc.WriteTimeout,
			MaxWriteRetries: sc.MaxWriteRetries,
		},
		Standby: StandbyConfig{
			Attempts: sc.StandbyAttempts,
			Timeout:  sc.StandbyTimeout,
		},
		Pacer: PacerConfig{
			PollTimeout: pc.PollTimeout,
			CatchUp:     pc.CatchUpThreshold,
		},
		Metrics: MetricsConfig{
			Namespace: "a2dp",
		},
	}
}

// Load читает YAML файл поверх значений по умолчанию
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader декодирует YAML и проверяет результат.
// Неизвестные ключи считаются ошибкой.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate возвращает все найденные ошибки разом
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.Control.Socket == "" {
		errs = append(errs, errors.New("control.socket: путь сокета не задан"))
	}
	if c.Control.RecvTimeout <= 0 {
		errs = append(errs, fmt.Errorf("control.recv_timeout %s: должен быть больше 0", c.Control.RecvTimeout))
	}
	if c.Control.StartTimeout <= 0 {
		errs = append(errs, fmt.Errorf("control.start_timeout %s: должен быть больше 0", c.Control.StartTimeout))
	}
	if c.Control.RetryInterval < 0 {
		errs = append(errs, fmt.Errorf("control.retry_interval %s: не может быть отрицательным", c.Control.RetryInterval))
	}
	if c.Sink.Address != "" {
		if _, err := stream.NormalizeAddress(c.Sink.Address); err != nil {
			errs = append(errs, fmt.Errorf("sink.address %q: некорректный адрес", c.Sink.Address))
		}
	}
	if c.Pacer.PollTimeout <= 0 {
		errs = append(errs, fmt.Errorf("pacer.poll_timeout %s: должен быть больше 0", c.Pacer.PollTimeout))
	}
	if c.Pacer.CatchUp <= 0 {
		errs = append(errs, fmt.Errorf("pacer.catch_up %s: должен быть больше 0", c.Pacer.CatchUp))
	}
	if err := c.StreamConfig(nil).Validate(); err != nil {
		errs = append(errs, fmt.Errorf("buffer: %w", err))
	}

	return errors.Join(errs...)
}

// StreamConfig собирает конфигурацию потока. Метрики и проверка
// приемника подставляются вызывающим.
func (c *Config) StreamConfig(logger *slog.Logger) stream.Config {
	sc := stream.DefaultConfig()
	sc.SinkAddress = c.Sink.Address
	sc.BluetoothEnabled = c.Sink.BluetoothEnabled
	sc.BufferFrames = c.Buffer.Frames
	sc.ChunkFrames = c.Buffer.ChunkFrames
	sc.WriteTimeout = c.Buffer.WriteTimeout
	sc.StartTimeout = c.Control.StartTimeout
	sc.MaxWriteRetries = c.Buffer.MaxWriteRetries
	sc.StandbyAttempts = c.Standby.Attempts
	sc.StandbyTimeout = c.Standby.Timeout

	sc.Session.Control.Path = c.Control.Socket
	sc.Session.Control.RecvTimeout = c.Control.RecvTimeout
	sc.Session.RetryInterval = c.Control.RetryInterval

	sc.Pacer.PollTimeout = c.Pacer.PollTimeout
	sc.Pacer.CatchUpThreshold = c.Pacer.CatchUp

	sc.Logger = logger
	return sc
}

// ParseLevel переводит строку уровня в slog.Level
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log_level %q: допустимо debug, info, warn, error", s)
}
