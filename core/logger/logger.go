// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package logger configures logrus for the device and hands out tagged entries

Components log through ForComponent. A connection session carries its own entry in the
context, tagged with a session id and optionally the device name, so that all lines of one
session can be grepped together.
*/
package logger

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	sessionIDKey = "sessionID"
	deviceKey    = "device"
	componentKey = "component"
)

type sessionKey struct{}

// InitLogger installs the text formatter with full timestamps and sets the level
func InitLogger(level logrus.Level) {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	logrus.SetLevel(level)
}

// ParseLevel parses a logrus level name. An empty name means info.
func ParseLevel(name string) (logrus.Level, error) {
	if len(name) == 0 {
		return logrus.InfoLevel, nil
	}
	return logrus.ParseLevel(name)
}

// Default returns an untagged entry of the standard logger
func Default() *logrus.Entry {
	return logrus.NewEntry(logrus.StandardLogger())
}

// ForComponent returns an entry tagged with a component name like "ledger" or "ota"
func ForComponent(component string) *logrus.Entry {
	return Default().WithField(componentKey, component)
}

// ContextWithLogger attaches a session logger with a fresh session id to ctx. If ctx
// already carries one, ctx and its logger are returned unchanged.
func ContextWithLogger(ctx context.Context) (context.Context, *logrus.Entry) {
	if ctx == nil {
		ctx = context.Background()
	}
	if entry, ok := fromContext(ctx); ok {
		return ctx, entry
	}
	entry := Default().WithField(sessionIDKey, uuid.NewString())
	return context.WithValue(ctx, sessionKey{}, entry), entry
}

// ContextWithLoggerDevice is like ContextWithLogger and additionally tags the logger
// with the device name
func ContextWithLoggerDevice(ctx context.Context, device string) (context.Context, *logrus.Entry) {
	ctx, parent := ContextWithLogger(ctx)
	entry := parent.WithField(deviceKey, device)
	return context.WithValue(ctx, sessionKey{}, entry), entry
}

// FromContext returns the session logger of ctx, or the default logger
func FromContext(ctx context.Context) *logrus.Entry {
	if entry, ok := fromContext(ctx); ok {
		return entry
	}
	return Default()
}

func fromContext(ctx context.Context) (*logrus.Entry, bool) {
	if ctx == nil {
		return nil, false
	}
	entry, ok := ctx.Value(sessionKey{}).(*logrus.Entry)
	return entry, ok
}
