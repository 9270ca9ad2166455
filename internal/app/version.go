package app

import (
	"fmt"
	"runtime"
)

// Version is the release of pulsechat. Release builds override it with
// -ldflags "-X pulsechat/internal/app.Version=...".
var Version = "0.1.0"

// BuildInfo describes the running binary.
func BuildInfo() string {
	return fmt.Sprintf("pulsechat %s (%s, %s/%s)", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
