// Package logging 依設定建立 zerolog.Logger。
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"bankledger/internal/config"
)

// New 建立全域共用的 logger：console 格式供本機開發，json 供正式環境收集。
// 無法解析的等級退回 info。
func New(cfg config.LoggingConfig) zerolog.Logger {
	return NewWithWriter(cfg, os.Stdout)
}

// NewWithWriter 與 New 相同，但輸出到 w。
func NewWithWriter(cfg config.LoggingConfig, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	out := w
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
