/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

// Package xlog provides the leveled logging surface used throughout
// xmppcore. It mirrors the small Debugf/Infof/Warnf/Errorf call shape
// the rest of the module relies on, backed by logrus.
package xlog

import (
	"os"

	"github.com/sirupsen/logrus"
)

var std = logrus.New()

func init() {
	std.SetOutput(os.Stderr)
	std.SetLevel(logrus.InfoLevel)
	std.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// Logger is the interface xmppcore depends on; applications may supply
// their own implementation through SetLogger.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type logrusAdapter struct {
	*logrus.Logger
}

func (l *logrusAdapter) Debugf(format string, args ...interface{}) { l.Logger.Debugf(format, args...) }
func (l *logrusAdapter) Infof(format string, args ...interface{})  { l.Logger.Infof(format, args...) }
func (l *logrusAdapter) Warnf(format string, args ...interface{})  { l.Logger.Warnf(format, args...) }
func (l *logrusAdapter) Errorf(format string, args ...interface{}) { l.Logger.Errorf(format, args...) }

var active Logger = &logrusAdapter{std}

// SetLogger replaces the package-level logger. Passing nil restores the
// default logrus-backed logger.
func SetLogger(l Logger) {
	if l == nil {
		active = &logrusAdapter{std}
		return
	}
	active = l
}

// SetLevel adjusts the default logger's verbosity. It has no effect if
// a custom Logger was installed via SetLogger.
func SetLevel(debug bool) {
	if debug {
		std.SetLevel(logrus.DebugLevel)
	} else {
		std.SetLevel(logrus.InfoLevel)
	}
}

func Debugf(format string, args ...interface{}) { active.Debugf(format, args...) }
func Infof(format string, args ...interface{})  { active.Infof(format, args...) }
func Warnf(format string, args ...interface{})  { active.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { active.Errorf(format, args...) }

// Error logs err at error level. It is a no-op when err is nil, so
// callers can write `xlog.Error(err)` unconditionally after a fallible
// call.
func Error(err error) {
	if err == nil {
		return
	}
	active.Errorf("%v", err)
}
