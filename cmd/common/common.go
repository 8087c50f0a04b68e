// Package common implements common rollup-manager command options.
package common

import (
	"fmt"
	"io"
	"os"

	"github.com/cartesi-corp/rollup-manager/config"
	"github.com/cartesi-corp/rollup-manager/log"
)

var rootLogger = log.NewDefaultLogger(log.DefaultModule)

// Init initializes the common environment: logging, and pprof if requested.
func Init(cfg *config.Config) error {
	w := io.Writer(os.Stdout)
	format := log.FmtJSON
	level := log.LevelInfo

	if cfg.Log != nil {
		var err error
		if w, err = getLoggingStream(cfg.Log); err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		if err := format.Set(cfg.Log.Format); err != nil {
			return err
		}
		if err := level.Set(cfg.Log.Level); err != nil {
			return err
		}
	}

	logger, err := log.NewLogger(log.DefaultModule, w, format, level)
	if err != nil {
		return err
	}
	rootLogger = logger

	if endpoint := os.Getenv("ROLLUP_MANAGER_PPROF_ADDRESS"); endpoint != "" {
		startPprof(endpoint)
	}

	return nil
}

// RootLogger returns the logger defined by logging flags.
func RootLogger() *log.Logger {
	return rootLogger
}

func getLoggingStream(cfg *config.LogConfig) (io.Writer, error) {
	if cfg == nil || cfg.File == "" {
		return os.Stdout, nil
	}
	w, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return w, nil
}
