// SPDX-FileCopyrightText: 2025 The ecounter Authors
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
)

// New builds an slog.Logger with the given level ("debug", "info",
// "warn", "error") and format ("text" or "json") writing to w.
func New(level, format string, w io.Writer) *slog.Logger {
	return slog.New(handlerForFormat(format, parseLogLevel(level), w))
}

func handlerForFormat(format string, logLevel slog.Level, w io.Writer) slog.Handler {
	switch format {
	case "json":
		return slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:     logLevel,
			AddSource: true,
		})

	case "text":
		return slog.NewTextHandler(w, &slog.HandlerOptions{
			Level:     logLevel,
			AddSource: true,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				// Trim source paths to the 2 innermost directories
				if a.Key == slog.SourceKey {
					if src, ok := a.Value.Any().(*slog.Source); ok {
						parts := strings.Split(filepath.ToSlash(src.File), "/")
						if len(parts) > 2 {
							src.File = filepath.Join(parts[len(parts)-3], parts[len(parts)-2], parts[len(parts)-1])
						} else if len(parts) > 0 {
							src.File = filepath.Join(parts...)
						}
					}
				}
				return a
			},
		})

	default:
		panic(fmt.Sprintf("invalid format: %s", format))
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
