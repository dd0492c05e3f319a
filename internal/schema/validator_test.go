package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docgrok/docgrok/internal/common"
)

var titleSchema = map[string]any{
	"type":       "object",
	"required":   []any{"title"},
	"properties": map[string]any{"title": map[string]any{"type": "string"}},
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		wantKind common.Kind
	}{
		{"matching object", `{"title": "Paper A"}`, ""},
		{"missing required member", `{"subject": "Paper A"}`, common.KindValidation},
		{"wrong member type", `{"title": 42}`, common.KindValidation},
		{"not json at all", `the title is Paper A`, common.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(titleSchema, []byte(tt.data))
			if tt.wantKind == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, common.KindOf(err))
		})
	}
}

func TestValidateBadSchema(t *testing.T) {
	err := Validate(map[string]any{"type": 12345}, []byte(`{}`))
	require.Error(t, err)
	assert.Equal(t, common.KindInvalidRequest, common.KindOf(err))
}

func TestStructured(t *testing.T) {
	m, err := Structured([]byte(`{"title": "Paper A", "pages": 3}`))
	require.NoError(t, err)
	assert.Equal(t, "Paper A", m["title"])
	assert.Equal(t, float64(3), m["pages"])

	_, err = Structured([]byte(`[1, 2, 3]`))
	require.Error(t, err)
	assert.Equal(t, common.KindValidation, common.KindOf(err))
}

func TestSanitize(t *testing.T) {
	t.Run("strips code fences", func(t *testing.T) {
		out, dropped, err := Sanitize([]byte("```json\n{\"title\": \"X\"}\n```"))
		require.NoError(t, err)
		assert.Empty(t, dropped)
		assert.NoError(t, Validate(titleSchema, out))
	})

	t.Run("keeps outermost object in prose", func(t *testing.T) {
		out, _, err := Sanitize([]byte(`Here is the JSON you asked for: {"title": "X"} Hope it helps!`))
		require.NoError(t, err)
		assert.NoError(t, Validate(titleSchema, out))
	})

	t.Run("drops null and empty members", func(t *testing.T) {
		out, dropped, err := Sanitize([]byte(`{"title": "X", "author": null, "notes": "  "}`))
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"author", "notes"}, dropped)
		m, err := Structured(out)
		require.NoError(t, err)
		assert.NotContains(t, m, "author")
		assert.NotContains(t, m, "notes")
	})

	t.Run("unparseable input fails", func(t *testing.T) {
		_, _, err := Sanitize([]byte("no json here"))
		require.Error(t, err)
		assert.Equal(t, common.KindValidation, common.KindOf(err))
	})
}
