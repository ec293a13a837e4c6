package stream

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/arzzra/a2dp_sink/pkg/metrics"
	"github.com/arzzra/a2dp_sink/pkg/pacer"
	"github.com/arzzra/a2dp_sink/pkg/session"
)

// Format формат PCM потока
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// DefaultFormat единственный поддерживаемый формат: 44.1 кГц, стерео, 16 бит
var DefaultFormat = Format{SampleRate: 44100, Channels: 2, BitsPerSample: 16}

// FrameSize размер одного PCM кадра в байтах
func (f Format) FrameSize() int {
	return f.Channels * f.BitsPerSample / 8
}

// Duration длительность frames кадров
func (f Format) Duration(frames int) time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

func (f Format) String() string {
	return fmt.Sprintf("%d Гц/%d кан./%d бит", f.SampleRate, f.Channels, f.BitsPerSample)
}

// Config конфигурация потока
type Config struct {
	// Начальные значения параметров
	SinkAddress      string
	BluetoothEnabled bool

	// Session шаблон конфигурации сессии, адрес подставляется потоком
	Session session.Config
	Pacer   pacer.Config

	// Кольцевой буфер
	BufferFrames  int // емкость в кадрах
	ChunkFrames   int // максимум кадров за одну запись в транспорт
	QuantumFrames int // кратность порции: наибольший размер SBC кадра в PCM кадрах

	// WriteTimeout ожидание места в буфере
	WriteTimeout time.Duration
	// StartTimeout ожидание запуска сессии
	StartTimeout time.Duration
	// MaxWriteRetries попыток записи в транспорт без результата до отброса порции
	MaxWriteRetries int

	// Ожидание завершения текущей записи в транспорт при standby
	StandbyAttempts int
	StandbyTimeout  time.Duration

	WakeLock WakeLock
	Metrics  *metrics.Collector
	Logger   *slog.Logger
}

// DefaultConfig конфигурация по умолчанию
func DefaultConfig() Config {
	return Config{
		BluetoothEnabled: true,
		Session:          session.DefaultConfig(),
		Pacer:            pacer.DefaultConfig(),
		BufferFrames:     3072,
		ChunkFrames:      512,
		QuantumFrames:    128,
		WriteTimeout:     time.Second,
		StartTimeout:     time.Second,
		MaxWriteRetries:  5,
		StandbyAttempts:  5,
		StandbyTimeout:   5 * time.Second,
	}
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	if c.QuantumFrames <= 0 {
		return fmt.Errorf("QuantumFrames должен быть больше 0")
	}
	if c.ChunkFrames < c.QuantumFrames || c.ChunkFrames%c.QuantumFrames != 0 {
		return fmt.Errorf("ChunkFrames должен быть кратен QuantumFrames")
	}
	if c.BufferFrames < c.ChunkFrames || c.BufferFrames%c.QuantumFrames != 0 {
		return fmt.Errorf("BufferFrames должен быть не меньше ChunkFrames и кратен QuantumFrames")
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("WriteTimeout должен быть больше 0")
	}
	if c.StartTimeout <= 0 {
		return fmt.Errorf("StartTimeout должен быть больше 0")
	}
	if c.MaxWriteRetries <= 0 {
		return fmt.Errorf("MaxWriteRetries должен быть больше 0")
	}
	if c.StandbyAttempts <= 0 || c.StandbyTimeout <= 0 {
		return fmt.Errorf("StandbyAttempts и StandbyTimeout должны быть больше 0")
	}
	if c.SinkAddress != "" {
		if _, err := NormalizeAddress(c.SinkAddress); err != nil {
			return err
		}
	}
	return nil
}
