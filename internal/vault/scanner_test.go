package vault

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestScanTasks_CollectsAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "inbox.md", "- [ ] Buy milk 📅 2025-01-10\nsome prose\n- [x] Done thing 📅 2025-01-02\n")
	writeFile(t, dir, "projects/home.md", "- [ ] Paint fence 📅 2025-03-01\n")
	writeFile(t, dir, "notes.txt", "- [ ] not markdown, ignored 📅 2025-01-01\n")

	tasks, err := NewScanner(dir, "vault").ScanTasks(context.Background())

	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, "inbox.md", tasks[0].SourcePath)
	assert.Equal(t, 0, tasks[0].SourceLine)
	assert.Equal(t, "projects/home.md", tasks[2].SourcePath)
}

func TestScanTasks_SkipsFencedCode(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "snippets.md",
		"- [ ] Real task 📅 2025-01-10\n```\n- [ ] inside a fence, not a task\n```\n- [ ] Another real one 📅 2025-01-11\n")

	tasks, err := NewScanner(dir, "vault").ScanTasks(context.Background())

	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "Real task", tasks[0].Summary)
	assert.Equal(t, "Another real one", tasks[1].Summary)
}

func TestScanTasks_SkipsHiddenDirs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".obsidian/cache.md", "- [ ] should not appear 📅 2025-01-01\n")
	writeFile(t, dir, "real.md", "- [ ] visible 📅 2025-01-01\n")

	tasks, err := NewScanner(dir, "vault").ScanTasks(context.Background())

	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "visible", tasks[0].Summary)
}

func TestNewScanner_DefaultsVaultName(t *testing.T) {
	s := NewScanner("/tmp/myvault", "")
	assert.Equal(t, "myvault", s.VaultName())
}
