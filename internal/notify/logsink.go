package notify

import "log"

// LogSink writes notifications to the process log. The daemon uses it when
// no UI is attached; a frontend would supply its own Sink instead.
type LogSink struct {
	logger *log.Logger
}

func NewLogSink(logger *log.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) AddNotification(notification Notification) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(
		"notification event=%s level=%s job_id=%s title=%q message=%q auto_dismiss=%t",
		notification.Event,
		notification.Level,
		notification.JobID,
		notification.Title,
		notification.Message,
		notification.AutoDismiss,
	)
}
