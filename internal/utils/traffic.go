// internal/utils/traffic.go
package utils

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"psu-service/internal/config"
	"psu-service/internal/model"
)

// TrafficRecorder writes link events and serial frames to the traffic log.
// Frames appear as "05 >> VOUT1?" with non-printable bytes escaped.
type TrafficRecorder struct {
	logger     *zap.Logger
	structured bool
}

// NewTrafficRecorder builds a recorder writing to its own rotated file, or to the
// application logger when cfg.Output is empty
func NewTrafficRecorder(cfg *config.TrafficConfig, appLogger *zap.Logger) (*TrafficRecorder, error) {
	if !cfg.Enabled {
		return &TrafficRecorder{logger: zap.NewNop()}, nil
	}
	if cfg.Output == "" {
		return &TrafficRecorder{logger: appLogger.Named("traffic"), structured: true}, nil
	}

	ws, err := newWriteSyncer(cfg.Output, cfg.MaxSize, cfg.MaxBackups, cfg.MaxAge, false)
	if err != nil {
		return nil, fmt.Errorf("failed to open traffic log: %w", err)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:          "time",
		MessageKey:       "message",
		EncodeTime:       zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000"),
		ConsoleSeparator: " ",
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), ws, zapcore.DebugLevel)
	return &TrafficRecorder{logger: zap.New(core)}, nil
}

// NewTrafficRecorderWithLogger is used by tests and embedders that already own a logger
func NewTrafficRecorderWithLogger(logger *zap.Logger) *TrafficRecorder {
	return &TrafficRecorder{logger: logger, structured: true}
}

// Record logs a plain event
func (r *TrafficRecorder) Record(ts time.Time, msg string) {
	if ce := r.logger.Check(zapcore.InfoLevel, msg); ce != nil {
		ce.Time = ts
		ce.Write()
	}
}

// RecordData logs the first length bytes of data
func (r *TrafficRecorder) RecordData(ts time.Time, data []byte, length int, dir model.Direction) {
	if length > len(data) {
		length = len(data)
	}
	escaped := EscapeBytes(data[:length])

	ce := r.logger.Check(zapcore.InfoLevel, fmt.Sprintf("%02d %s %s", length, dir, escaped))
	if ce == nil {
		return
	}
	ce.Time = ts
	if r.structured {
		ce.Write(
			zap.String("direction", string(dir)),
			zap.Int("length", length),
			zap.String("data", escaped),
		)
		return
	}
	ce.Write()
}

// EscapeBytes renders data as printable ASCII, using C escapes for control
// characters and \xHH for everything else outside 0x20..0x7E
func EscapeBytes(data []byte) string {
	var b strings.Builder
	b.Grow(len(data))

	for _, c := range data {
		switch c {
		case 0x00:
			b.WriteString(`\0`)
		case '\a':
			b.WriteString(`\a`)
		case '\b':
			b.WriteString(`\b`)
		case '\t':
			b.WriteString(`\t`)
		case '\n':
			b.WriteString(`\n`)
		case '\v':
			b.WriteString(`\v`)
		case '\f':
			b.WriteString(`\f`)
		case '\r':
			b.WriteString(`\r`)
		default:
			if c < 0x20 || c > 0x7E {
				fmt.Fprintf(&b, `\x%02X`, c)
			} else {
				b.WriteByte(c)
			}
		}
	}
	return b.String()
}

// Close flushes the traffic log
func (r *TrafficRecorder) Close() error {
	return CloseLogger(r.logger)
}
