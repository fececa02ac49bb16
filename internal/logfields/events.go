package logfields

import "go.uber.org/zap"

func Event(val string) zap.Field {
	return zap.String("event", val)
}

func TriggerEvent(val string) zap.Field {
	return zap.String("github.trigger_event", val)
}
