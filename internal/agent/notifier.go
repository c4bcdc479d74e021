package agent

import "log/slog"

// Notification is a fire-and-forget user notice.
type Notification struct {
	Level   string
	Title   string
	Message string
	TaskID  string
}

// Notifier delivers notifications. Implementations must not block.
type Notifier interface {
	Notify(Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notification)

// Notify implements Notifier.
func (f NotifierFunc) Notify(n Notification) { f(n) }

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify implements Notifier.
func (l LogNotifier) Notify(n Notification) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info(n.Message, "title", n.Title, "level", n.Level, "task_id", n.TaskID)
}

func taskCreatedNotification(taskID string) Notification {
	return Notification{
		Level:   "success",
		Title:   "Task created",
		Message: "Task " + taskID + " was created",
		TaskID:  taskID,
	}
}
