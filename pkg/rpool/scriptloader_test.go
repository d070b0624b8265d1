package rpool

import (
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func useScriptDir(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	SetScriptSearchPath(dir)
	t.Cleanup(func() { SetScriptSearchPath(".", "data") })
	return dir
}

func TestReadScriptStripsCommentsAndBlanks(t *testing.T) {
	dir := useScriptDir(t)

	raw := "# summary statistics\n" +
		"\n" +
		"  sum <- base + sum(values)  \n" +
		"\t\n" +
		"# intermediate products\n" +
		"prod <- prod(values) + base\n"
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "summary.R"), []byte(raw), 0644))

	script, err := readScript("summary.R")
	require.NoError(t, err)
	assert.Equal(t, "sum <- base + sum(values)\nprod <- prod(values) + base", script)
}

func TestReadScriptMemoizesByName(t *testing.T) {
	dir := useScriptDir(t)

	path := filepath.Join(dir, "cached.R")
	require.NoError(t, ioutil.WriteFile(path, []byte("x <- 1"), 0644))

	first, err := readScript("cached.R")
	require.NoError(t, err)

	// A rewrite on disk is invisible; the cache answers from now on.
	require.NoError(t, ioutil.WriteFile(path, []byte("x <- 2"), 0644))

	second, err := readScript("cached.R")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, "x <- 1", second)
}

func TestReadScriptSearchesPathInOrder(t *testing.T) {
	primary := t.TempDir()
	fallback := t.TempDir()
	SetScriptSearchPath(primary, fallback)
	t.Cleanup(func() { SetScriptSearchPath(".", "data") })

	require.NoError(t, ioutil.WriteFile(filepath.Join(fallback, "model.R"), []byte("y <- 2"), 0644))

	script, err := readScript("model.R")
	require.NoError(t, err)
	assert.Equal(t, "y <- 2", script)

	require.NoError(t, ioutil.WriteFile(filepath.Join(primary, "other.R"), []byte("z <- 3"), 0644))
	script, err = readScript("other.R")
	require.NoError(t, err)
	assert.Equal(t, "z <- 3", script)
}

func TestReadScriptUnknownName(t *testing.T) {
	useScriptDir(t)

	_, err := readScript("no-such-script.R")
	assert.ErrorIs(t, err, ErrScriptNotFound)
}

func TestNewRScriptFromResource(t *testing.T) {
	dir := useScriptDir(t)
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "noop.R"), []byte("# nothing\nTRUE"), 0644))

	cp, err := NewConnectionPoolWithDriver(testPoolConfig(1), newFakeDriver())
	require.NoError(t, err)
	defer cp.Shutdown()

	script, err := NewRScriptFromResource(cp, "noop.R")
	require.NoError(t, err)
	assert.NotNil(t, script)

	_, err = NewRScriptFromResource(cp, "missing.R")
	assert.ErrorIs(t, err, ErrScriptNotFound)
}
