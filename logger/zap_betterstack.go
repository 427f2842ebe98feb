package zap_betterstack

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Custom log level for NOTICE (below DebugLevel, non-error informational logs)
const NoticeLevel zapcore.Level = -2

// New builds the service logger: zap's development config in development,
// production JSON otherwise.
func New(environment, level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("failed to parse log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	if environment == "development" {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// logEntry represents a single run lifecycle event
type logEntry struct {
	Timestamp  string         `json:"timestamp"`
	Level      string         `json:"level"`
	Message    string         `json:"message"`
	TraceID    string         `json:"traceID"` // correlation id of the run
	Layer      string         `json:"layer"`   // coordinator, nats, http
	Attributes map[string]any `json:"attributes"`
}

// RunLogStreamer records run lifecycle events keyed by correlation id
type RunLogStreamer struct {
	sourceToken string
	environment string
	uploadURL   string
	logger      *zap.Logger
	client      *http.Client
	fileWriter  io.Writer
	fileMu      sync.Mutex
}

// NewRunLogStreamer creates a streamer writing to app.log in development
// and to the Better Stack upload URL otherwise. Without an upload URL
// outside development, events only reach the zap logger.
func NewRunLogStreamer(sourceToken, environment, uploadURL string, logger *zap.Logger) *RunLogStreamer {
	streamer := &RunLogStreamer{
		sourceToken: sourceToken,
		environment: environment,
		uploadURL:   uploadURL,
		logger:      logger,
	}

	if environment == "development" {
		f, err := os.OpenFile("app.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			logger.Error("Failed to open log file", zap.Error(err))
			streamer.fileWriter = os.Stderr
		} else {
			streamer.fileWriter = f
		}
	} else if uploadURL != "" {
		streamer.client = &http.Client{Timeout: 10 * time.Second}
	}

	return streamer
}

// WithWriter sends events to w instead of a file or Better Stack.
func (s *RunLogStreamer) WithWriter(w io.Writer) *RunLogStreamer {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	s.fileWriter = w
	s.client = nil
	return s
}

func levelName(level zapcore.Level) string {
	switch level {
	case zapcore.ErrorLevel:
		return "ERROR"
	case zapcore.WarnLevel:
		return "WARN"
	case zapcore.InfoLevel:
		return "INFO"
	case NoticeLevel:
		return "NOTICE"
	case zapcore.DebugLevel:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// Log records one event. Events without a trace id are dropped.
func (s *RunLogStreamer) Log(level zapcore.Level, traceID string, message string, attributes map[string]any, layer string, err error) {
	if traceID == "" {
		return
	}

	if attributes == nil {
		attributes = make(map[string]any)
	}
	if err != nil {
		attributes["error"] = err.Error()
	}

	entry := logEntry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Level:      levelName(level),
		Message:    message,
		TraceID:    traceID,
		Layer:      layer,
		Attributes: attributes,
	}

	body, marshalErr := json.Marshal(entry)
	if marshalErr != nil {
		s.logger.Error("Failed to marshal log", zap.Error(marshalErr))
		return
	}

	s.fileMu.Lock()
	writer, client := s.fileWriter, s.client
	if writer != nil {
		if _, writeErr := writer.Write(append(body, '\n')); writeErr != nil {
			s.logger.Error("Failed to write log to file", zap.Error(writeErr))
		}
	}
	s.fileMu.Unlock()

	if writer == nil && client != nil {
		req, err := http.NewRequest(http.MethodPost, s.uploadURL, bytes.NewReader(body))
		if err != nil {
			s.logger.Error("Failed to create HTTP request", zap.Error(err))
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+s.sourceToken)

		go func() {
			resp, err := client.Do(req)
			if err != nil {
				s.logger.Error("Failed to send log to Better Stack", zap.Error(err))
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusAccepted {
				s.logger.Error("Unexpected response from Better Stack", zap.String("status", resp.Status))
			}
		}()
	}

	s.logger.Log(level, message, zap.String("traceID", traceID), zap.String("layer", layer), zap.Any("attributes", attributes))
}
