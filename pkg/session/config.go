package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/arzzra/a2dp_sink/pkg/ipc"
	"github.com/arzzra/a2dp_sink/pkg/metrics"
	"github.com/arzzra/a2dp_sink/pkg/sbc"
)

const (
	// DefaultSampleRate частота PCM, которую выдает микшер
	DefaultSampleRate = 44100
	// DefaultRetryInterval пауза перед повторным Init после ошибки
	DefaultRetryInterval = 100 * time.Millisecond
)

// SinkChecker проверяет, что приемник подключен, до открытия control канала
type SinkChecker interface {
	SinkConnected(ctx context.Context, address string) (bool, error)
}

// Config конфигурация сессии
type Config struct {
	// Address Bluetooth адрес приемника (XX:XX:XX:XX:XX:XX)
	Address string

	// Control параметры control канала
	Control ipc.Config

	// SampleRate частота входного PCM
	SampleRate int

	// EncoderFactory создает кодер после согласования. По умолчанию sbc.NewSilenceEncoder.
	EncoderFactory sbc.EncoderFactory

	// SinkChecker необязательная проверка подключения приемника
	SinkChecker SinkChecker

	RetryInterval time.Duration

	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// DefaultConfig конфигурация по умолчанию
func DefaultConfig() Config {
	return Config{
		Control:        ipc.DefaultConfig(),
		SampleRate:     DefaultSampleRate,
		EncoderFactory: sbc.NewSilenceEncoder,
		RetryInterval:  DefaultRetryInterval,
	}
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	if _, err := net.ParseMAC(c.Address); err != nil {
		return fmt.Errorf("session: некорректный адрес приемника %q: %w", c.Address, err)
	}
	if _, ok := sbc.FrequencyFromRate(c.SampleRate); !ok {
		return fmt.Errorf("session: неподдерживаемая частота %d", c.SampleRate)
	}
	if c.RetryInterval < 0 {
		return fmt.Errorf("session: отрицательный RetryInterval")
	}
	return nil
}
