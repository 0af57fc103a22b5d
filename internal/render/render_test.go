package render

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MailQueue/internal/models"
)

func TestRender_Builtin(t *testing.T) {
	r, err := New("")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"welcome", "verify_email", "reset_password"}, r.Names())

	out, err := r.Render("welcome", map[string]any{"name": "Ann"})
	require.NoError(t, err)
	assert.Contains(t, out.HTML, "Welcome, Ann!")
	assert.Contains(t, out.Text, "Welcome, Ann!")
	assert.NotContains(t, out.Text, "<")
}

func TestRender_EscapesHTMLOnly(t *testing.T) {
	r, err := New("")
	require.NoError(t, err)

	out, err := r.Render("welcome", map[string]any{"name": "<b>Ann</b>"})
	require.NoError(t, err)
	assert.Contains(t, out.HTML, "&lt;b&gt;Ann&lt;/b&gt;")
	assert.Contains(t, out.Text, "<b>Ann</b>")
}

func TestRender_Errors(t *testing.T) {
	r, err := New("")
	require.NoError(t, err)

	tests := []struct {
		name     string
		template string
		vars     map[string]any
	}{
		{"unknown template", "does-not-exist", map[string]any{"name": "Ann"}},
		{"missing variable", "verify_email", map[string]any{"name": "Ann"}},
		{"nil vars", "welcome", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Render(tt.template, tt.vars)
			var rerr *models.TemplateRenderError
			require.ErrorAs(t, err, &rerr)
			assert.Equal(t, tt.template, rerr.Template)
		})
	}

	_, err = r.Render("does-not-exist", nil)
	assert.True(t, errors.Is(err, ErrUnknownTemplate))
}

func TestNew_DirectoryOverridesBuiltin(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "welcome.html"), []byte(`<p>Hey {{ .name | upper }}</p>`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "welcome.txt"), []byte(`Hey {{ .name | upper }}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "invoice.html"), []byte(`<p>#{{ .number }}</p>`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "invoice.txt"), []byte(`#{{ .number }}`), 0o600))

	r, err := New(dir)
	require.NoError(t, err)

	out, err := r.Render("welcome", map[string]any{"name": "ann"})
	require.NoError(t, err)
	assert.Equal(t, "<p>Hey ANN</p>", out.HTML)
	assert.Equal(t, "Hey ANN", out.Text)

	out, err = r.Render("invoice", map[string]any{"number": 42})
	require.NoError(t, err)
	assert.Equal(t, "#42", out.Text)
}

func TestNew_RequiresTextPart(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lonely.html"), []byte(`<p>hi</p>`), 0o600))

	_, err := New(dir)
	assert.Error(t, err)
}
