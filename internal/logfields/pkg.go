package logfields

import "go.uber.org/zap"

func Package(val string) zap.Field {
	return zap.String("package.name", val)
}

func Version(val string) zap.Field {
	return zap.String("package.version", val)
}

func LatestVersion(val string) zap.Field {
	return zap.String("package.latest_version", val)
}

func HTTPEndpoint(val string) zap.Field {
	return zap.String("http.endpoint", val)
}

func HTTPStatus(val int) zap.Field {
	return zap.Int("http.status", val)
}
