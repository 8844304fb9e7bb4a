package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// SetLevel applies a minimum level parsed from config ("debug", "info", ...).
func (l *Logger) SetLevel(level string) {
	if lv, err := zerolog.ParseLevel(level); err == nil {
		l.logger = l.logger.Level(lv)
	}
}

// WithClient adds client_id context to logger.
func (l *Logger) WithClient(clientID uint32) *Logger {
	return &Logger{
		logger: l.logger.With().Uint32("client_id", clientID).Logger(),
	}
}

// WithTransfer adds file_id context to logger.
func (l *Logger) WithTransfer(fileID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("file_id", fileID).Logger(),
	}
}

// WithEndpoint adds listen_port/protocol context to logger.
func (l *Logger) WithEndpoint(port int, proto string) *Logger {
	return &Logger{
		logger: l.logger.With().Int("listen_port", port).Str("protocol", proto).Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// ClientConnected logs a session registration.
func (l *Logger) ClientConnected(clientID uint32, remoteAddr, transport string) {
	l.logger.Info().
		Uint32("client_id", clientID).
		Str("remote_addr", remoteAddr).
		Str("transport", transport).
		Msg("client connected")
}

// ClientDisconnected logs a session teardown with its lifetime counters.
func (l *Logger) ClientDisconnected(clientID uint32, reason string, bytesIn, bytesOut int64, lifetime time.Duration) {
	l.logger.Info().
		Uint32("client_id", clientID).
		Str("reason", reason).
		Int64("bytes_received", bytesIn).
		Int64("bytes_sent", bytesOut).
		Float64("lifetime_seconds", lifetime.Seconds()).
		Msg("client disconnected")
}

// FrameRejected logs a dropped or fatal frame.
func (l *Logger) FrameRejected(clientID uint32, reason string, err error) {
	l.logger.Warn().
		Uint32("client_id", clientID).
		Str("reason", reason).
		Err(err).
		Msg("frame rejected")
}

// WorkersScaled logs an elastic pool resize.
func (l *Logger) WorkersScaled(pool, tier string, from, to, depth int) {
	l.logger.Debug().
		Str("pool", pool).
		Str("tier", tier).
		Int("workers_before", from).
		Int("workers_after", to).
		Int("queue_depth", depth).
		Msg("worker tier resized")
}

// HandlerPanic logs a recovered handler panic.
func (l *Logger) HandlerPanic(pool, tier string, v interface{}) {
	l.logger.Error().
		Str("pool", pool).
		Str("tier", tier).
		Interface("panic", v).
		Msg("handler panic recovered")
}

// EnvelopeParked logs a retry-exhausted envelope moving to the resume queue.
func (l *Logger) EnvelopeParked(targetID string, priority string, retries int) {
	l.logger.Warn().
		Str("target_id", targetID).
		Str("priority", priority).
		Int("retries", retries).
		Msg("retry budget exhausted, envelope parked")
}

// TransferStarted logs the creation of a transfer session.
func (l *Logger) TransferStarted(fileID, fileName string, fileSize int64, totalChunks int32) {
	l.logger.Info().
		Str("file_id", fileID).
		Str("file_name", fileName).
		Int64("file_size", fileSize).
		Int32("total_chunks", totalChunks).
		Msg("file transfer started")
}

// TransferCompleted logs a verified transfer.
func (l *Logger) TransferCompleted(fileID, path string, fileSize int64, duration time.Duration) {
	l.logger.Info().
		Str("file_id", fileID).
		Str("path", path).
		Int64("file_size", fileSize).
		Float64("duration_seconds", duration.Seconds()).
		Msg("file transfer completed")
}

// TransferFailed logs an aborted transfer.
func (l *Logger) TransferFailed(fileID, reason string, err error) {
	l.logger.Error().
		Str("file_id", fileID).
		Str("reason", reason).
		Err(err).
		Msg("file transfer failed")
}

// HeartbeatTimeout logs a reaped session.
func (l *Logger) HeartbeatTimeout(clientID uint32, idle time.Duration) {
	l.logger.Warn().
		Uint32("client_id", clientID).
		Float64("idle_seconds", idle.Seconds()).
		Msg("heartbeat timeout, disconnecting client")
}

// EndpointStarted logs a proxy listener coming up.
func (l *Logger) EndpointStarted(port int, proto, algorithm string, targets int) {
	l.logger.Info().
		Int("listen_port", port).
		Str("protocol", proto).
		Str("algorithm", algorithm).
		Int("targets", targets).
		Msg("endpoint started")
}

// ForwardFailed logs a failed backend connect or splice.
func (l *Logger) ForwardFailed(port int, target string, err error) {
	l.logger.Warn().
		Int("listen_port", port).
		Str("target", target).
		Err(err).
		Msg("forward failed")
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
