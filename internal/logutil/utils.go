// Package logutil holds small zap helpers shared by arbor's layers.
package logutil

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Group nests fields under a single named object field, keeping a
// statement's correlated values (SQL text, counts, session state)
// together in one log entry. Zero reflection, same speed as inline
// fields.
func Group(key string, fields ...zap.Field) zap.Field {
	return zap.Object(key, zapcore.ObjectMarshalerFunc(func(enc zapcore.ObjectEncoder) error {
		for _, f := range fields {
			f.AddTo(enc)
		}
		return nil
	}))
}
