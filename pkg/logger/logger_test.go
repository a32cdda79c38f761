package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel(" error "))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("verbose"))
}

func TestForConversation_TagsGuests(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := &Logger{Logger: zap.New(core)}

	l.ForConversation("c1", "").Info("hello")
	l.ForConversation("c2", "u1").Info("hello")

	entries := logs.All()
	if assert.Len(t, entries, 2) {
		assert.Equal(t, "guest", entries[0].ContextMap()["user_id"])
		assert.Equal(t, "c1", entries[0].ContextMap()["conversation_id"])
		assert.Equal(t, "u1", entries[1].ContextMap()["user_id"])
	}
}

func TestFromContext(t *testing.T) {
	assert.Same(t, Global(), FromContext(context.Background()))

	l := Nop()
	assert.Same(t, l, FromContext(WithContext(context.Background(), l)))
}

func TestNew_AttachesFields(t *testing.T) {
	l, err := New(Options{Level: "debug", Fields: []zap.Field{zap.String("service", "test")}})
	if assert.NoError(t, err) {
		assert.True(t, l.Core().Enabled(zapcore.DebugLevel))
	}
}
