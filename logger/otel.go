package logger

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/log"
)

// otelLogger emits records to an OpenTelemetry log provider.
type otelLogger struct {
	ctx        context.Context
	prefixes   []string
	metadata   map[string]log.Value
	logLevel   LogLevel
	otelLogger log.Logger
	child      Logger
}

var _ Logger = (*otelLogger)(nil)

func (o *otelLogger) clone() *otelLogger {
	c := *o
	c.prefixes = append([]string(nil), o.prefixes...)
	c.metadata = make(map[string]log.Value, len(o.metadata))
	for k, v := range o.metadata {
		c.metadata[k] = v
	}
	return &c
}

func toLogValue(unknown interface{}) log.Value {
	switch v := unknown.(type) {
	case string:
		return log.StringValue(v)
	case int:
		return log.IntValue(v)
	case int64:
		return log.Int64Value(v)
	case bool:
		return log.BoolValue(v)
	case float64:
		return log.Float64Value(v)
	case []byte:
		return log.BytesValue(v)
	case []interface{}:
		values := make([]log.Value, 0, len(v))
		for _, item := range v {
			values = append(values, toLogValue(item))
		}
		return log.SliceValue(values...)
	case map[string]interface{}:
		values := make([]log.KeyValue, 0, len(v))
		for key, item := range v {
			values = append(values, log.KeyValue{Key: key, Value: toLogValue(item)})
		}
		return log.MapValue(values...)
	default:
		return log.StringValue(fmt.Sprintf("%v", v))
	}
}

func (o *otelLogger) With(metadata map[string]interface{}) Logger {
	c := o.clone()
	for k, v := range metadata {
		c.metadata[k] = toLogValue(v)
	}
	if c.child != nil {
		c.child = c.child.With(metadata)
	}
	return c
}

func (o *otelLogger) WithPrefix(prefix string) Logger {
	c := o.clone()
	c.prefixes = append(c.prefixes, prefix)
	if c.child != nil {
		c.child = c.child.WithPrefix(prefix)
	}
	return c
}

// WithContext attaches ctx to emitted records so they correlate with the
// active span.
func (o *otelLogger) WithContext(ctx context.Context) Logger {
	c := o.clone()
	c.ctx = ctx
	if c.child != nil {
		c.child = c.child.WithContext(ctx)
	}
	return c
}

func (o *otelLogger) Stack(next Logger) Logger {
	c := o.clone()
	c.child = next
	return c
}

func (o *otelLogger) log(level LogLevel, severity log.Severity, msg string, args ...interface{}) {
	if level < o.logLevel {
		return
	}
	formatted := fmt.Sprintf(msg, args...)
	if len(o.prefixes) > 0 {
		formatted = strings.Join(o.prefixes, " ") + " " + formatted
	}

	now := time.Now()
	record := log.Record{}
	record.SetBody(log.StringValue(formatted))
	record.SetSeverity(severity)
	record.SetSeverityText(severity.String())
	record.SetObservedTimestamp(now)
	record.SetTimestamp(now)
	for k, v := range o.metadata {
		record.AddAttributes(log.KeyValue{Key: k, Value: v})
	}
	ctx := o.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	o.otelLogger.Emit(ctx, record)
}

func (o *otelLogger) Trace(msg string, args ...interface{}) {
	o.log(LevelTrace, log.SeverityTrace, msg, args...)
	if o.child != nil {
		o.child.Trace(msg, args...)
	}
}

func (o *otelLogger) Debug(msg string, args ...interface{}) {
	o.log(LevelDebug, log.SeverityDebug, msg, args...)
	if o.child != nil {
		o.child.Debug(msg, args...)
	}
}

func (o *otelLogger) Info(msg string, args ...interface{}) {
	o.log(LevelInfo, log.SeverityInfo, msg, args...)
	if o.child != nil {
		o.child.Info(msg, args...)
	}
}

func (o *otelLogger) Warn(msg string, args ...interface{}) {
	o.log(LevelWarn, log.SeverityWarn, msg, args...)
	if o.child != nil {
		o.child.Warn(msg, args...)
	}
}

func (o *otelLogger) Error(msg string, args ...interface{}) {
	o.log(LevelError, log.SeverityError, msg, args...)
	if o.child != nil {
		o.child.Error(msg, args...)
	}
}

// Fatal logs at error level and exits with code 1.
func (o *otelLogger) Fatal(msg string, args ...interface{}) {
	o.log(LevelError, log.SeverityFatal, msg, args...)
	if o.child != nil {
		o.child.Error(msg, args...)
	}
	os.Exit(1)
}

// NewOtelLogger returns a Logger emitting records at or above level to otelsLogger.
func NewOtelLogger(otelsLogger log.Logger, level LogLevel) Logger {
	return &otelLogger{
		otelLogger: otelsLogger,
		logLevel:   level,
		metadata:   map[string]log.Value{},
	}
}
