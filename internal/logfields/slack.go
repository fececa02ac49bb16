package logfields

import "go.uber.org/zap"

func Channel(val string) zap.Field {
	return zap.String("slack.channel", val)
}

func MessageTS(val string) zap.Field {
	return zap.String("slack.message_ts", val)
}

func Reaction(val string) zap.Field {
	return zap.String("slack.reaction", val)
}
