package updater

import (
	"binance-cycle-bot-go/internal/models"

	"go.uber.org/zap"
)

// UpdateEvent identifies the order-driven state change being persisted.
type UpdateEvent struct {
	CycleID string
	Side    models.Side
	OrderID string
}

// Listener is notified around every persisted order update.
type Listener interface {
	OnStateUpdateStarted(event UpdateEvent)
	OnStateUpdateCompleted(event UpdateEvent, result *models.UpdateResult)
	OnStateUpdateFailed(event UpdateEvent, err error)
}

// Listeners fans a notification out to several listeners in order.
type Listeners []Listener

func (ls Listeners) OnStateUpdateStarted(event UpdateEvent) {
	for _, l := range ls {
		l.OnStateUpdateStarted(event)
	}
}

func (ls Listeners) OnStateUpdateCompleted(event UpdateEvent, result *models.UpdateResult) {
	for _, l := range ls {
		l.OnStateUpdateCompleted(event, result)
	}
}

func (ls Listeners) OnStateUpdateFailed(event UpdateEvent, err error) {
	for _, l := range ls {
		l.OnStateUpdateFailed(event, err)
	}
}

// LogListener writes lifecycle notifications to a zap logger.
type LogListener struct {
	Logger *zap.Logger
}

func (l LogListener) OnStateUpdateStarted(event UpdateEvent) {
	l.Logger.Debug("State update started", eventFields(event)...)
}

func (l LogListener) OnStateUpdateCompleted(event UpdateEvent, result *models.UpdateResult) {
	fields := eventFields(event)
	if result != nil && result.Current != nil {
		fields = append(fields,
			zap.Int64("version", result.Current.Version),
			zap.String("status", string(result.Current.Status)))
	}
	l.Logger.Info("State update completed", fields...)
}

func (l LogListener) OnStateUpdateFailed(event UpdateEvent, err error) {
	l.Logger.Error("State update failed", append(eventFields(event), zap.Error(err))...)
}

func eventFields(event UpdateEvent) []zap.Field {
	return []zap.Field{
		zap.String("cycle_id", event.CycleID),
		zap.String("side", string(event.Side)),
		zap.String("order_id", event.OrderID),
	}
}
