package cmd

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/a2dp_sink/pkg/bluez"
	"github.com/arzzra/a2dp_sink/pkg/device"
	"github.com/arzzra/a2dp_sink/pkg/metrics"
	"github.com/arzzra/a2dp_sink/pkg/stream"
)

var playCmd = &cobra.Command{
	Use:   "play FILE",
	Short: "Отправить WAV или сырой PCM (s16le, 44.1 кГц, стерео) на приемник в реальном темпе",
	Long: `play читает WAV или сырой PCM и пишет его в A2DP поток в реальном темпе.

Встроенный кодер SBC выдает тишину: содержимое файла задает только темп
и объем отправки (пакеты, sequence, timestamp). Чтобы приемник получил
звук, подключите настоящий SBC кодер через session.Config.EncoderFactory.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runPlay,
}

func init() {
	playCmd.Flags().Duration("chunk", 20*time.Millisecond, "длительность одной записи в поток")
	playCmd.Flags().String("params", "", "параметры устройства k=v;k=v")
}

func runPlay(c *cobra.Command, args []string) error {
	chunk, _ := c.Flags().GetDuration("chunk")
	params, _ := c.Flags().GetString("params")

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	pcm, err := pcmReader(bufio.NewReader(f), stream.DefaultFormat)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	mcfg := metrics.DefaultConfig()
	if cfg.Metrics.Namespace != "" {
		mcfg.Namespace = cfg.Metrics.Namespace
	}
	collector := metrics.NewCollector(reg, mcfg)

	scfg := cfg.StreamConfig(logger)
	scfg.Metrics = collector

	if cfg.Sink.ProbeBlueZ {
		prober, err := bluez.NewProber(cfg.Sink.Adapter, logger)
		if err != nil {
			return err
		}
		defer prober.Close()
		scfg.Session.SinkChecker = prober
	}

	dev := device.New(scfg)
	defer dev.Close()

	if params != "" {
		if err := dev.SetParameters(params); err != nil {
			return err
		}
	}

	s, format, err := dev.OpenOutputStream(stream.Format{})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Listen != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("сервер метрик запущен", slog.String("listen", cfg.Metrics.Listen))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("сервер метрик: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		defer stop()
		return playLoop(gctx, s, format, pcm, chunk)
	})

	err = g.Wait()
	closeErr := dev.CloseOutputStream(s)

	st := s.Stats()
	fmt.Fprintf(c.OutOrStdout(),
		"кадров записано: %d, отброшено: %d, пакетов: %d, потеряно: %d, байт: %d\n",
		st.FramesWritten, st.FramesDiscarded, st.Pacer.PacketsSent, st.Pacer.PacketsDropped, st.Pacer.BytesSent)

	if err != nil {
		return err
	}
	return closeErr
}

// playLoop пишет PCM порциями длительностью chunk до конца входа или отмены
func playLoop(ctx context.Context, s *stream.Stream, format stream.Format, r io.Reader, chunk time.Duration) error {
	frames := int(chunk.Seconds() * float64(format.SampleRate))
	if frames <= 0 {
		frames = 1
	}
	buf := make([]byte, frames*format.FrameSize())

	for ctx.Err() == nil {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			n -= n % format.FrameSize()
			if _, werr := s.Write(buf[:n]); werr != nil {
				switch stream.CodeOf(werr) {
				case stream.CodeSinkDisabled, stream.CodeTimeout:
					// поток в standby, следующая запись запустит его снова
					logger.Debug("запись не выполнена", slog.Any("error", werr))
				default:
					return werr
				}
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return s.Standby()
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// pcmReader возвращает PCM из WAV (после чанка data) или вход как есть,
// если это не RIFF/WAVE.
func pcmReader(r *bufio.Reader, want stream.Format) (io.Reader, error) {
	head, err := r.Peek(12)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if len(head) < 12 || string(head[0:4]) != "RIFF" || string(head[8:12]) != "WAVE" {
		return r, nil
	}
	if _, err := r.Discard(12); err != nil {
		return nil, err
	}

	var chunk [8]byte
	for {
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			return nil, fmt.Errorf("WAV: нет чанка data: %w", err)
		}
		id := string(chunk[0:4])
		size := int64(binary.LittleEndian.Uint32(chunk[4:8]))

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("WAV: чанк fmt %d байт", size)
			}
			var fmtData [16]byte
			if _, err := io.ReadFull(r, fmtData[:]); err != nil {
				return nil, fmt.Errorf("WAV: чанк fmt: %w", err)
			}
			if err := checkWAVFormat(fmtData[:], want); err != nil {
				return nil, err
			}
			if err := skip(r, size-16+size%2); err != nil {
				return nil, err
			}
		case "data":
			// 0 и 0xFFFFFFFF пишут потоковые кодеры, читаем до конца
			if size == 0 || size == 0xFFFFFFFF {
				return r, nil
			}
			return io.LimitReader(r, size), nil
		default:
			// чанки выровнены по слову
			if err := skip(r, size+size%2); err != nil {
				return nil, err
			}
		}
	}
}

func checkWAVFormat(fmtData []byte, want stream.Format) error {
	tag := binary.LittleEndian.Uint16(fmtData[0:2])
	channels := int(binary.LittleEndian.Uint16(fmtData[2:4]))
	rate := int(binary.LittleEndian.Uint32(fmtData[4:8]))
	bits := int(binary.LittleEndian.Uint16(fmtData[14:16]))

	// 1 - PCM, 0xFFFE - WAVE_FORMAT_EXTENSIBLE
	if tag != 1 && tag != 0xFFFE {
		return fmt.Errorf("WAV: формат %#04x не PCM", tag)
	}
	if channels != want.Channels || rate != want.SampleRate || bits != want.BitsPerSample {
		return fmt.Errorf("WAV: %d Гц, %d кан., %d бит, ожидается %s", rate, channels, bits, want)
	}
	return nil
}

func skip(r *bufio.Reader, n int64) error {
	if n <= 0 {
		return nil
	}
	if _, err := io.CopyN(io.Discard, r, n); err != nil {
		return fmt.Errorf("WAV: усеченный чанк: %w", err)
	}
	return nil
}
