// Package logging builds the arbor logger shared by every pipeline component.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"filing_valuation/pkg/core/config"

	"github.com/ternarybob/arbor"
	arbor_models "github.com/ternarybob/arbor/models"
)

const defaultTimeFormat = "15:04:05"

// New creates a console logger at the configured level, plus a rotating file
// writer when cfg.File is set.
func New(cfg config.LoggingConfig) arbor.ILogger {
	timeFormat := cfg.TimeFormat
	if timeFormat == "" {
		timeFormat = defaultTimeFormat
	}

	logger := arbor.NewLogger().WithConsoleWriter(arbor_models.WriterConfiguration{
		Type:             arbor_models.LogWriterTypeConsole,
		TimeFormat:       timeFormat,
		TextOutput:       true,
		DisableTimestamp: false,
	})

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to create log directory: %v\n", err)
		} else {
			logger = logger.WithFileWriter(arbor_models.WriterConfiguration{
				Type:             arbor_models.LogWriterTypeFile,
				FileName:         cfg.File,
				TimeFormat:       timeFormat,
				MaxSize:          100 * 1024 * 1024, // 100 MB
				MaxBackups:       3,
				TextOutput:       true,
				DisableTimestamp: false,
			})
		}
	}

	level := cfg.Level
	if level == "" {
		level = "info"
	}
	return logger.WithLevelFromString(level)
}
