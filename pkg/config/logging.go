// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package config

import (
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
)

// Logger builds the root logger described by the log section
func (c LogConfig) Logger(w io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log level: %w", err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	switch c.Format {
	case "", "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.StampMicro}
	case "json":
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format %q", c.Format)
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}
