package logging

import (
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
)

type Config struct {
	Level            string
	Structured       bool
	StructuredFormat string
	IncludePID       bool
	ExtraFields      map[string]string
}

func Configure(cfg Config) *slog.Logger {
	level := parseLevel(cfg.Level)
	var handler slog.Handler
	out := io.Writer(os.Stderr)

	attrs := make([]slog.Attr, 0, len(cfg.ExtraFields)+1)
	for k, v := range cfg.ExtraFields {
		attrs = append(attrs, slog.String(k, v))
	}
	if cfg.IncludePID {
		attrs = append(attrs, slog.Int("pid", os.Getpid()))
	}

	if cfg.Structured {
		if strings.ToLower(cfg.StructuredFormat) == "json" {
			handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
		} else {
			// key=value-ish output
			handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
		}
	} else {
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	}

	if len(attrs) > 0 {
		handler = handler.WithAttrs(attrs)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// RedactError returns err's message with userinfo and query strings
// stripped from any URL it mentions. Go's net/http wraps transport
// failures in *url.Error, whose message embeds the request URL
// verbatim; a rule feed or upstream configured with Basic Auth or a
// signed URL would otherwise leak credentials into warn-level logs.
func RedactError(err error) string {
	if err == nil {
		return ""
	}
	return RedactURLsInString(err.Error())
}

// RedactURLsInString replaces the query and userinfo components of any
// http(s) URL found in s with a placeholder, leaving the scheme, host,
// and path intact for readability.
func RedactURLsInString(s string) string {
	const cutset = `":,()`
	fields := strings.Fields(s)
	for i, f := range fields {
		prefix := f[:len(f)-len(strings.TrimLeft(f, cutset))]
		rest := f[len(prefix):]
		trimmed := strings.TrimRight(rest, cutset)
		suffix := rest[len(trimmed):]

		u, err := url.Parse(trimmed)
		if err != nil || u.Scheme == "" || u.Host == "" {
			continue
		}
		u.User = nil
		if u.RawQuery != "" {
			u.RawQuery = "REDACTED"
		}
		fields[i] = prefix + u.String() + suffix
	}
	return strings.Join(fields, " ")
}

func parseLevel(s string) slog.Level {
	s = strings.ToUpper(strings.TrimSpace(s))
	switch s {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
