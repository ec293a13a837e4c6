// a2dpplay проигрывает PCM на Bluetooth A2DP приемник через аудио сервис BlueZ.
package main

import (
	"os"

	"github.com/arzzra/a2dp_sink/cmd/a2dpplay/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
