// Package alert delivers operator notifications. Delivery is best-effort: callers
// log a failed Send and carry on.
package alert

import (
	"context"
	"fmt"
	"sort"

	"binance-cycle-bot-go/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Alert is one notification.
type Alert struct {
	Severity    models.Severity
	Title       string
	Description string
	Fields      map[string]interface{}
}

// Sender delivers alerts.
type Sender interface {
	Send(ctx context.Context, a Alert) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, a Alert) error

func (f SenderFunc) Send(ctx context.Context, a Alert) error { return f(ctx, a) }

// LogSender writes alerts to the log with the fields rendered as a table.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, a Alert) error {
	msg := fmt.Sprintf("[ALERT] %s: %s", a.Title, a.Description)
	if len(a.Fields) > 0 {
		msg += "\n" + RenderFields(a.Fields)
	}
	if ce := s.logger.Check(levelFor(a.Severity), msg); ce != nil {
		ce.Write(zap.String("severity", string(a.Severity)), zap.String("title", a.Title))
	}
	return nil
}

// RenderFields formats fields as a two column table sorted by key.
func RenderFields(fields map[string]interface{}) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Field", "Value"})
	for _, k := range keys {
		t.AppendRow(table.Row{k, fmt.Sprint(fields[k])})
	}
	return t.Render()
}

func levelFor(severity models.Severity) zapcore.Level {
	switch severity {
	case models.SeverityCritical, models.SeverityError:
		return zapcore.ErrorLevel
	case models.SeverityWarning:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}
