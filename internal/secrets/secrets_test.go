// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name  string
		files map[string]string
		dirs  []string
		want  map[string]string
	}{
		{
			name: "one key per file, values trimmed",
			files: map[string]string{
				"openai-api-key":    "  sk_abc123  \n",
				"anthropic-api-key": "ak_xyz789",
				"gemini-api-key":    "gk_456\n",
			},
			want: map[string]string{
				"openai-api-key":    "sk_abc123",
				"anthropic-api-key": "ak_xyz789",
				"gemini-api-key":    "gk_456",
			},
		},
		{
			name:  "blank files are ignored",
			files: map[string]string{"openai-api-key": "sk_1", "empty": "", "blank": " \n\t "},
			want:  map[string]string{"openai-api-key": "sk_1"},
		},
		{
			name:  "dotfiles and directories are ignored",
			files: map[string]string{".gitkeep": "", ".hidden": "x", "gemini-api-key": "gk"},
			dirs:  []string{"nested"},
			want:  map[string]string{"gemini-api-key": "gk"},
		},
		{
			name: "empty directory",
			want: map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			for name, content := range tt.files {
				writeFile(t, dir, name, content)
			}
			for _, d := range tt.dirs {
				require.NoError(t, os.Mkdir(filepath.Join(dir, d), 0o755))
			}
			got, err := Load(dir, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadMissingDirectory(t *testing.T) {
	got, err := Load(filepath.Join(t.TempDir(), "absent"), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLoadLogsUnreadableEntries(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "openai-api-key", "sk_ok")
	require.NoError(t, os.Symlink(filepath.Join(dir, "nowhere"), filepath.Join(dir, "dangling-key")))

	core, logs := observer.New(zapcore.WarnLevel)
	got, err := Load(dir, zap.New(core))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"openai-api-key": "sk_ok"}, got)

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "dangling-key", entries[0].ContextMap()["name"])
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".env", "OPENAI_API_KEY=sk_env\n# comment\nANTHROPIC_API_KEY=\"ak env\"\nEMPTY=\n")

	got, err := LoadEnv(filepath.Join(dir, ".env"))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"openai-api-key": "sk_env", "anthropic-api-key": "ak env"}, got)

	got, err = LoadEnv(filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFromEnviron(t *testing.T) {
	got := FromEnviron([]string{"OPENAI_API_KEY=sk_1", "HOME=/root", "GEMINI_API_KEY= ", "broken"})
	assert.Equal(t, map[string]string{"openai-api-key": "sk_1"}, got)
}

func TestCollectPrecedence(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "from-environ")
	t.Setenv("GEMINI_API_KEY", "gemini-environ")
	dir := t.TempDir()
	writeFile(t, dir, ".env", "OPENAI_API_KEY=from-dotenv\nANTHROPIC_API_KEY=anthropic-dotenv\n")
	secretsDir := filepath.Join(dir, ".secrets")
	require.NoError(t, os.Mkdir(secretsDir, 0o755))
	writeFile(t, secretsDir, "openai-api-key", "from-file")

	got, err := Collect(secretsDir, filepath.Join(dir, ".env"), nil)
	require.NoError(t, err)
	assert.Equal(t, "from-file", got["openai-api-key"])
	assert.Equal(t, "anthropic-dotenv", got["anthropic-api-key"])
	assert.Equal(t, "gemini-environ", got["gemini-api-key"])
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}
