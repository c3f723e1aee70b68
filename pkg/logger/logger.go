package logger

import (
	"log/slog"
	"os"
)

var log *slog.Logger

// Init configures the process-wide JSON logger. Call once at startup;
// it is also safe to call from tests.
func Init() {
	log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(log)
}

func ensure() *slog.Logger {
	if log == nil {
		Init()
	}
	return log
}

func attrs(fields map[string]interface{}) []any {
	out := make([]any, 0, len(fields)*2)
	for key, value := range fields {
		out = append(out, key, value)
	}
	return out
}

func Info(event string, fields map[string]interface{}) {
	ensure().Info(event, attrs(fields)...)
}

func InfoWithUser(userID, event string, fields map[string]interface{}) {
	ensure().With("user_id", userID).Info(event, attrs(fields)...)
}

func Warn(event string, fields map[string]interface{}) {
	ensure().Warn(event, attrs(fields)...)
}

func Error(event string, err error, fields map[string]interface{}) {
	ensure().With("error", err).Error(event, attrs(fields)...)
}
