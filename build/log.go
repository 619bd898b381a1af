package build

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/btcsuite/btclog"
	"github.com/dlcnode/coordinator/chanfunding"
	"github.com/dlcnode/coordinator/coordinator"
	"github.com/dlcnode/coordinator/dlcchan"
	"github.com/dlcnode/coordinator/dlcstore"
	"github.com/dlcnode/coordinator/intercept"
	"github.com/dlcnode/coordinator/monitoring"
	"github.com/dlcnode/coordinator/notifier"
	"github.com/dlcnode/coordinator/reconciler"
	"github.com/dlcnode/coordinator/store"
)

// subsystemLoggers maps each subsystem tag to the UseLogger hook of its
// package.
var subsystemLoggers = map[string]func(btclog.Logger){
	"COOR": coordinator.UseLogger,
	"INCP": intercept.UseLogger,
	"FUND": chanfunding.UseLogger,
	"DLCH": dlcchan.UseLogger,
	"DSTR": dlcstore.UseLogger,
	"NTFN": notifier.UseLogger,
	"RECN": reconciler.UseLogger,
	"STOR": store.UseLogger,
	"MNTR": monitoring.UseLogger,
}

// SetupLoggers builds a sub-logger per subsystem on the given backend and
// hands it to the subsystem package. The returned root logger carries the
// MAIN tag for the daemon entry point.
func SetupLoggers(w io.Writer, level btclog.Level) btclog.Logger {
	backend := btclog.NewBackend(w)

	for tag, useLogger := range subsystemLoggers {
		logger := backend.Logger(tag)
		logger.SetLevel(level)
		useLogger(logger)
	}

	root := backend.Logger("MAIN")
	root.SetLevel(level)

	return root
}

// ParseLogLevel maps a level name to its btclog level.
func ParseLogLevel(name string) (btclog.Level, error) {
	level, ok := btclog.LevelFromString(name)
	if !ok {
		return btclog.LevelInfo, fmt.Errorf("unknown log level %q, "+
			"valid levels: [trace debug info warn error critical]",
			name)
	}

	return level, nil
}

// SupportedSubsystems lists the subsystem tags, sorted.
func SupportedSubsystems() []string {
	tags := make([]string, 0, len(subsystemLoggers))
	for tag := range subsystemLoggers {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	return tags
}

// SubsystemsString returns the supported subsystems as one printable line.
func SubsystemsString() string {
	return strings.Join(SupportedSubsystems(), " ")
}
