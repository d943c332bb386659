package log

import (
	E "github.com/sagernet/sing/common/exceptions"
)

type Level = uint8

const (
	LevelPanic Level = iota
	LevelFatal
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

var levelNames = [...]string{
	LevelPanic: "panic",
	LevelFatal: "fatal",
	LevelError: "error",
	LevelWarn:  "warn",
	LevelInfo:  "info",
	LevelDebug: "debug",
	LevelTrace: "trace",
}

func FormatLevel(level Level) string {
	if int(level) < len(levelNames) {
		return levelNames[level]
	}
	return "unknown"
}

func ParseLevel(level string) (Level, error) {
	if level == "warning" {
		return LevelWarn, nil
	}
	for index, name := range levelNames {
		if name == level {
			return Level(index), nil
		}
	}
	return LevelTrace, E.New("unknown log level: ", level)
}
