package version

import (
	"strconv"
	"time"
)

// Set at build time with -ldflags "-X github.com/nais/envdeploy/pkg/version.version=... -X ...buildTime=<unix>"
var (
	version   = "unknown"
	buildTime = "0"
)

func Version() string {
	return version
}

func BuildTime() (time.Time, error) {
	ts, err := strconv.ParseInt(buildTime, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(ts, 0), nil
}
