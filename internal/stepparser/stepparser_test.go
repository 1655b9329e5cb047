package stepparser

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseClickWithQuotedFilter(t *testing.T) {
	s, err := Parse(`Click on "Apple" filter`)
	require.NoError(t, err)
	require.Equal(t, VerbClick, s.Verb)
	require.Equal(t, `"Apple" filter`, s.Query)
}

func TestParseTypeInto(t *testing.T) {
	s, err := Parse(`Type "hello@example.com" into Email field`)
	require.NoError(t, err)
	require.Equal(t, VerbType, s.Verb)
	require.Equal(t, "hello@example.com", s.Value)
	require.Equal(t, "Email field", s.Query)
}

func TestParseUncheck(t *testing.T) {
	s, err := Parse("Uncheck Remember me")
	require.NoError(t, err)
	require.Equal(t, VerbUncheck, s.Verb)
	require.Equal(t, "Remember me", s.Query)
}

func TestParseUnrecognizedStepErrors(t *testing.T) {
	_, err := Parse("teleport to the moon")
	require.Error(t, err)
}

func TestParseEmptyStepErrors(t *testing.T) {
	_, err := Parse("   ")
	require.Error(t, err)
}
