package logger

import "go.uber.org/zap"

// Field helpers for the identifiers that show up in almost every log line of
// the call core. Using them keeps field names consistent across packages so
// log queries by call_id always match.

func CallID(id string) zap.Field {
	return zap.String("call_id", id)
}

func BridgeID(id string) zap.Field {
	return zap.String("bridge_id", id)
}

func MediaChannelID(id string) zap.Field {
	return zap.String("media_channel_id", id)
}

func Port(port int) zap.Field {
	return zap.Int("port", port)
}

func State(state string) zap.Field {
	return zap.String("state", state)
}
