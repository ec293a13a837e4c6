// Package cmd команды a2dpplay.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/arzzra/a2dp_sink/pkg/config"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "a2dpplay",
	Short: "Проигрывание PCM на Bluetooth A2DP приемник",
	Long: `a2dpplay кодирует PCM (44.1 кГц, стерео, 16 бит) в SBC и отправляет
его RTP пакетами на A2DP приемник через аудио сервис BlueZ.`,
	SilenceUsage: true,
}

// Execute запускает корневую команду
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentPreRunE = func(c *cobra.Command, _ []string) error {
		return initConfig(c)
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML файл конфигурации")
	rootCmd.PersistentFlags().String("log-level", "", "уровень логов (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("socket", "", "сокет аудио сервиса (@ - абстрактный)")
	rootCmd.PersistentFlags().String("sink", "", "адрес приемника XX:XX:XX:XX:XX:XX")

	rootCmd.AddCommand(playCmd, capsCmd)
}

// initConfig загружает конфигурацию. Флаги, заданные явно, важнее файла.
func initConfig(c *cobra.Command) error {
	var err error
	if cfgFile != "" {
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
	} else {
		cfg = config.Default()
	}

	flags := c.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("socket") {
		cfg.Control.Socket, _ = flags.GetString("socket")
	}
	if flags.Changed("sink") {
		cfg.Sink.Address, _ = flags.GetString("sink")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, _ := config.ParseLevel(cfg.LogLevel)
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return nil
}
