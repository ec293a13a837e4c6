package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arzzra/a2dp_sink/pkg/ipc"
	"github.com/arzzra/a2dp_sink/pkg/sbc"
	"github.com/arzzra/a2dp_sink/pkg/session"
)

var capsCmd = &cobra.Command{
	Use:   "caps",
	Short: "Показать SBC возможности приемника",
	RunE:  runCaps,
}

func runCaps(c *cobra.Command, _ []string) error {
	if cfg.Sink.Address == "" {
		return errors.New("адрес приемника не задан (--sink)")
	}

	ctx, cancel := context.WithTimeout(c.Context(), cfg.Control.RecvTimeout)
	defer cancel()

	client, err := ipc.Dial(ctx, ipc.Config{
		Path:        cfg.Control.Socket,
		RecvTimeout: cfg.Control.RecvTimeout,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	caps, err := client.GetCapabilities(cfg.Sink.Address)
	if err != nil {
		return err
	}

	out := c.OutOrStdout()
	for _, rec := range caps {
		if rec.Type != ipc.CodecSBC {
			fmt.Fprintf(out, "seid=%d codec=%#02x transport=%d (не SBC)\n", rec.SEID, rec.Type, rec.Transport)
			continue
		}
		sc, err := sbc.ParseCapabilities(rec.Data)
		if err != nil {
			fmt.Fprintf(out, "seid=%d SBC: %v\n", rec.SEID, err)
			continue
		}
		fmt.Fprintf(out, "seid=%d SBC modes=%#02x freqs=%#02x alloc=%#02x subbands=%#02x blocks=%#02x bitpool=%d..%d\n",
			rec.SEID, uint8(sc.ChannelModes), uint8(sc.Frequencies), uint8(sc.Allocations),
			uint8(sc.Subbands), uint8(sc.BlockLengths), sc.MinBitpool, sc.MaxBitpool)

		params, err := sbc.SelectParams(sc, session.DefaultSampleRate, logger)
		if err != nil {
			fmt.Fprintf(out, "  выбор параметров: %v\n", err)
			continue
		}
		fmt.Fprintf(out, "  выбрано: %s\n", params)
	}
	return nil
}
