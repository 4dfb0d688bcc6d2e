package config

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// SetupLogging installs the process-wide slog handler. When the main
// config names a logging_config_file, its keys (level, format, file)
// override the defaults of info-level text output on stderr.
func SetupLogging(loggingConfigFile string) error {
	level := slog.LevelInfo
	format := "text"
	var out io.Writer = os.Stderr

	if loggingConfigFile != "" {
		v := viper.New()
		v.SetConfigFile(loggingConfigFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "failed to read logging config %s", loggingConfigFile)
		}
		switch strings.ToLower(v.GetString("level")) {
		case "debug":
			level = slog.LevelDebug
		case "", "info":
			level = slog.LevelInfo
		case "warn", "warning":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		default:
			return errors.Errorf("unknown log level %q", v.GetString("level"))
		}
		if f := v.GetString("format"); f != "" {
			format = f
		}
		if path := v.GetString("file"); path != "" {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return errors.Wrapf(err, "failed to open log file %s", path)
			}
			out = f
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		return errors.Errorf("unknown log format %q", format)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}
