package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, 2*time.Second, cfg.PersistDebounce)
	assert.Equal(t, 6, cfg.TitleThreshold)
	assert.Equal(t, 1500*time.Millisecond, cfg.NavigateDelay)
	assert.Equal(t, 500*time.Millisecond, cfg.ScrollDelay)
	assert.Equal(t, 30*time.Minute, cfg.SessionIdle)
	assert.Equal(t, "New conversation", cfg.DefaultTitle)
	assert.False(t, cfg.Development())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("TITLE_THRESHOLD", "4")
	t.Setenv("PERSIST_DEBOUNCE", "250ms")
	t.Setenv("SESSION_IDLE_TIMEOUT", "5m")
	t.Setenv("TRACING_ENABLED", "true")
	t.Setenv("CORS_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("DEFAULT_LLM", "openai")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg := Load()

	assert.True(t, cfg.Development())
	assert.Equal(t, 4, cfg.TitleThreshold)
	assert.Equal(t, 250*time.Millisecond, cfg.PersistDebounce)
	assert.Equal(t, 5*time.Minute, cfg.SessionIdle)
	assert.True(t, cfg.TracingEnabled)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, "sk-test", cfg.LLMAPIKey())
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("TITLE_THRESHOLD", "many")
	t.Setenv("SCROLL_DELAY", "soon")

	cfg := Load()

	assert.Equal(t, 6, cfg.TitleThreshold)
	assert.Equal(t, 500*time.Millisecond, cfg.ScrollDelay)
}
