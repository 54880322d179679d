package main

import (
	"os"
	"os/signal"

	"github.com/habedi/trackr/cmd"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// main is the entry point of the application.
// It sets up logging based on the DEBUG_TRACKR environment variable,
// starts a goroutine to listen for interrupt signals, and executes the main command.
func main() {
	configureLogLevelFromEnv()

	stopChan := setupInterruptListener()
	go handleInterrupt(stopChan, func(msg string) { log.Error().Msg(msg) }, os.Exit)

	cmd.Execute()
}

// configureLogLevelFromEnv enables debug logging when DEBUG_TRACKR is set to
// anything other than "", "0" or "false"; logging is disabled otherwise.
// The --log-level flag and TRACKR_LOG_LEVEL override this per command.
func configureLogLevelFromEnv() {
	switch os.Getenv("DEBUG_TRACKR") {
	case "", "0", "false":
		zerolog.SetGlobalLevel(zerolog.Disabled)
	default:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// setupInterruptListener returns a channel that receives os.Interrupt.
func setupInterruptListener() chan os.Signal {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	return stopChan
}

// handleInterrupt waits for a signal on stopChan, logs and exits with status 1.
func handleInterrupt(stopChan chan os.Signal, fatalLog func(string), exit func(int)) {
	<-stopChan
	fatalLog("Interrupt signal received. Exiting...")
	exit(1)
}
