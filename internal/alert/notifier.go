package alert

import "sdn-guard/internal/model"

// Notifier interface for alert notification
type Notifier interface {
	SendAlert(alert model.Alert) error
}

// NotifierFunc adapts a function to the Notifier interface
type NotifierFunc func(alert model.Alert) error

func (f NotifierFunc) SendAlert(alert model.Alert) error {
	return f(alert)
}
