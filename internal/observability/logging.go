package observability

import (
	"log/slog"
	"os"
)

// NewLogger returns a JSON logger with a component field attached.
func NewLogger(component string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	logger := slog.New(handler)
	if component != "" {
		logger = logger.With("component", component)
	}
	return logger
}

func WithBuild(logger *slog.Logger, buildID string) *slog.Logger {
	if logger == nil || buildID == "" {
		return logger
	}
	return logger.With("build_id", buildID)
}

func WithProject(logger *slog.Logger, projectID string) *slog.Logger {
	if logger == nil || projectID == "" {
		return logger
	}
	return logger.With("project_id", projectID)
}

func WithTest(logger *slog.Logger, testID string) *slog.Logger {
	if logger == nil || testID == "" {
		return logger
	}
	return logger.With("test_id", testID)
}
