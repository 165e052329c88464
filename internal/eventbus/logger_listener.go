package eventbus

import (
	"context"

	"github.com/annel0/sector-sync/internal/logging"
)

// StartLoggingListener подписывается на все события и пишет их в лог компонента.
// Функция неблокирующая.
func StartLoggingListener(bus EventBus, logger *logging.Logger) (Subscription, error) {
	if logger == nil {
		logger = logging.GetBusLogger()
	}
	sub, err := bus.Subscribe(context.Background(), Filter{}, func(ctx context.Context, ev *Envelope) {
		if ev.Source == "roster" {
			if re, err := DecodeRosterEvent(ev); err == nil {
				logger.Debug("[EventBus] %s zone=%s participant=%s match=%s", ev.EventType, re.Zone, re.ParticipantID, re.MatchID)
				return
			}
		}
		logger.Debug("[EventBus] %s %s src=%s prio=%d size=%dB", ev.ID, ev.EventType, ev.Source, ev.Priority, len(ev.Payload))
	})
	if err != nil {
		return nil, err
	}
	logger.Info("🪵 LoggingListener: подписка на все события активирована")
	return sub, nil
}
