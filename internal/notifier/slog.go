package notifier

import (
	"log/slog"
)

type SLogNotifier struct {
	Logger *slog.Logger
}

var _ Notifier = &SLogNotifier{}

func (s SLogNotifier) Notify(event Event) {
	s.Logger.Info(buildMessage(event), "reason", event.Reason)
}
