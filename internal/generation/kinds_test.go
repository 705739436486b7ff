package generation

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chalford/parchment-api/internal/domain"
)

func TestRegistry(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	RegisterBuiltins(registry)

	for _, kind := range domain.AllKinds() {
		handler, err := registry.Handler(kind)
		require.NoError(t, err)
		assert.Equal(t, kind, handler.Kind())
	}

	_, err := registry.Handler("poems")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPermanent)
}

func TestFlashcardsHandler_Parse(t *testing.T) {
	t.Parallel()

	sessionID := uuid.New()
	handler := flashcardsHandler{}

	raw := `{"cards":[{"question":"What is a goroutine?","answer":"A lightweight thread","hint":"go keyword"},{"question":"What is a channel?","answer":"A typed conduit"}]}`

	result, err := handler.Parse(sessionID, raw)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Count())

	// Markdown fences around the JSON are tolerated.
	fenced := "```json\n" + raw + "\n```"
	result, err = handler.Parse(sessionID, fenced)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Count())

	cases := []struct {
		name string
		raw  string
	}{
		{"not json", "here are your flashcards!"},
		{"empty cards", `{"cards":[]}`},
		{"missing answer", `{"cards":[{"question":"q","answer":""}]}`},
	}
	for _, tc := range cases {
		_, err := handler.Parse(sessionID, tc.raw)
		assert.ErrorIs(t, err, domain.ErrModelOutputInvalid, tc.name)
	}
}

func TestQuestionsHandler_Parse(t *testing.T) {
	t.Parallel()

	sessionID := uuid.New()
	handler := questionsHandler{}

	raw := `{"questions":[{"prompt":"Which call starts a goroutine?","options":["go f()","f.start()","spawn f()"],"correct_index":0,"explanation":"go statement"}]}`

	result, err := handler.Parse(sessionID, raw)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Count())

	cases := []struct {
		name string
		raw  string
	}{
		{"not json", "no can do"},
		{"empty questions", `{"questions":[]}`},
		{"one option", `{"questions":[{"prompt":"p","options":["a"],"correct_index":0}]}`},
		{"index out of range", `{"questions":[{"prompt":"p","options":["a","b"],"correct_index":5}]}`},
	}
	for _, tc := range cases {
		_, err := handler.Parse(sessionID, tc.raw)
		assert.ErrorIs(t, err, domain.ErrModelOutputInvalid, tc.name)
	}
}

func TestTopicsHandler_Parse(t *testing.T) {
	t.Parallel()

	sessionID := uuid.New()
	handler := topicsHandler{}

	raw := `{"nodes":[{"key":"go","label":"Go"},{"key":"chan","label":"Channels","summary":"typed conduits"}],"edges":[{"from":"go","to":"chan","relation":"includes"}]}`

	result, err := handler.Parse(sessionID, raw)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Count())

	cases := []struct {
		name string
		raw  string
	}{
		{"not json", "topics: go, channels"},
		{"no nodes", `{"nodes":[],"edges":[]}`},
		{"dangling edge", `{"nodes":[{"key":"go","label":"Go"}],"edges":[{"from":"go","to":"rust"}]}`},
	}
	for _, tc := range cases {
		_, err := handler.Parse(sessionID, tc.raw)
		assert.ErrorIs(t, err, domain.ErrModelOutputInvalid, tc.name)
	}
}

func TestStripFences(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{"  {\"a\":1}  ", `{"a":1}`},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, stripFences(tc.in))
	}
}
