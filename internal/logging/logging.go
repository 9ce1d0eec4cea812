// SPDX-License-Identifier:Apache-2.0

// Package logging sets up structured logging in a uniform way, and
// redirects stdlib log statements into the structured log.
package logging

import (
	stdlog "log"
	"os"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// Level is a logging threshold selectable from the command line.
type Level string

const (
	LevelAll   Level = "all"
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelNone  Level = "none"
)

type levelSlice []Level

func (l levelSlice) String() string {
	strs := make([]string, len(l))
	for i, v := range l {
		strs[i] = string(v)
	}
	return strings.Join(strs, ", ")
}

// Levels lists the accepted values for Init, for use in flag help.
var Levels = levelSlice{
	LevelAll,
	LevelDebug,
	LevelInfo,
	LevelWarn,
	LevelError,
	LevelNone,
}

// Init returns a logger configured with common settings like
// timestamping and source code locations, filtered at lvl. The stdlib
// logger is reconfigured to push logs into this logger at info level.
//
// Init should be called as early as possible in main(), before any
// application-specific logging occurs.
func Init(lvl string) (log.Logger, error) {
	opt, err := parseLevel(lvl)
	if err != nil {
		return nil, err
	}

	l := log.NewLogfmtLogger(log.NewSyncWriter(os.Stdout))
	l = level.NewFilter(l, opt)
	l = log.With(l, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	stdlog.SetFlags(0)
	stdlog.SetOutput(log.NewStdlibAdapter(level.Info(log.With(l, "source", "stdlib"))))

	return l, nil
}

func parseLevel(lvl string) (level.Option, error) {
	switch Level(strings.ToLower(lvl)) {
	case LevelAll:
		return level.AllowAll(), nil
	case LevelDebug:
		return level.AllowDebug(), nil
	case LevelInfo:
		return level.AllowInfo(), nil
	case LevelWarn:
		return level.AllowWarn(), nil
	case LevelError:
		return level.AllowError(), nil
	case LevelNone:
		return level.AllowNone(), nil
	}

	return nil, errors.Errorf("failed to parse log level %q, valid levels are: %s", lvl, Levels)
}
