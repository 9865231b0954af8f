package logfields

import "go.uber.org/zap"

func Event(val string) zap.Field {
	return zap.String("event", val)
}

// Operation is the name of the service operation or collaborator call a log
// message belongs to.
func Operation(val string) zap.Field {
	return zap.String("operation", val)
}

func Step(val string) zap.Field {
	return zap.String("step", val)
}
