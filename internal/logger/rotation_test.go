package logger

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rotatedFiles(t *testing.T, logFile string) []string {
	t.Helper()
	files, err := filepath.Glob(logFile + ".*")
	require.NoError(t, err)
	return files
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestNewRotatingWriter(t *testing.T) {
	t.Run("creates missing directories", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "nested", "dir", "agentjobs.log")

		rw, err := NewRotatingWriter(logFile, 10, 0, false)
		require.NoError(t, err)
		defer rw.Close()

		_, err = os.Stat(logFile)
		assert.NoError(t, err)
	})

	t.Run("appends to an existing file", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "agentjobs.log")
		require.NoError(t, os.WriteFile(logFile, []byte("old\n"), 0o644))

		rw, err := NewRotatingWriter(logFile, 10, 0, false)
		require.NoError(t, err)
		defer rw.Close()
		assert.Equal(t, int64(4), rw.currentSize)

		_, err = rw.Write([]byte("new\n"))
		require.NoError(t, err)
		assert.Equal(t, "old\nnew\n", readFile(t, logFile))
	})
}

func TestRotatingWriterRotatesPastMaxSize(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "agentjobs.log")
	rw, err := NewRotatingWriter(logFile, 1, 0, false)
	require.NoError(t, err)
	defer rw.Close()
	rw.maxSize = 10

	n, err := rw.Write([]byte("12345678\n"))
	require.NoError(t, err)
	assert.Equal(t, 9, n)
	assert.Empty(t, rotatedFiles(t, logFile))

	_, err = rw.Write([]byte("abc\n"))
	require.NoError(t, err)

	rotated := rotatedFiles(t, logFile)
	require.Len(t, rotated, 1)
	assert.Equal(t, "12345678\n", readFile(t, rotated[0]))
	assert.Equal(t, "abc\n", readFile(t, logFile))
	assert.Equal(t, int64(4), rw.currentSize)

	suffix := strings.TrimPrefix(rotated[0], logFile+".")
	_, err = time.Parse(rotatedSuffixLayout, suffix)
	assert.NoError(t, err, "rotated suffix %q", suffix)
}

func TestRotatingWriterKeepsOversizedWriteInEmptyFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "agentjobs.log")
	rw, err := NewRotatingWriter(logFile, 1, 0, false)
	require.NoError(t, err)
	defer rw.Close()
	rw.maxSize = 4

	_, err = rw.Write([]byte("0123456789\n"))
	require.NoError(t, err)
	assert.Empty(t, rotatedFiles(t, logFile), "an empty file is never rotated")
	assert.Equal(t, "0123456789\n", readFile(t, logFile))

	_, err = rw.Write([]byte("x\n"))
	require.NoError(t, err)
	assert.Len(t, rotatedFiles(t, logFile), 1)
	assert.Equal(t, "x\n", readFile(t, logFile))
}

func TestRotatedNamesDoNotCollide(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "agentjobs.log")
	now := time.Date(2026, 1, 2, 3, 4, 5, 6_000_000, time.UTC)

	first := rotatedName(logFile, now)
	assert.Equal(t, logFile+".20260102-030405.006", first)
	require.NoError(t, os.WriteFile(first, nil, 0o644))

	second := rotatedName(logFile, now)
	assert.Equal(t, first+"-1", second)
	require.NoError(t, os.WriteFile(second+".gz", nil, 0o644))

	assert.Equal(t, first+"-2", rotatedName(logFile, now))
}

func TestRotatingWriterCompressesRotatedFiles(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "agentjobs.log")
	rw, err := NewRotatingWriter(logFile, 1, 0, true)
	require.NoError(t, err)
	defer rw.Close()
	rw.maxSize = 8

	_, err = rw.Write([]byte("first line\n"))
	require.NoError(t, err)
	_, err = rw.Write([]byte("second\n"))
	require.NoError(t, err)

	var compressed string
	require.Eventually(t, func() bool {
		files := rotatedFiles(t, logFile)
		if len(files) != 1 || !strings.HasSuffix(files[0], ".gz") {
			return false
		}
		compressed = files[0]
		return true
	}, 2*time.Second, 10*time.Millisecond)

	f, err := os.Open(compressed)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	data, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Equal(t, "first line\n", string(data))
}

func TestRotatingWriterRemovesExpiredFiles(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "agentjobs.log")
	old := logFile + ".20200101-000000.000"
	oldCompressed := logFile + ".20200102-000000.000.gz"
	recent := logFile + ".20991231-000000.000"
	for _, name := range []string{old, oldCompressed, recent} {
		require.NoError(t, os.WriteFile(name, []byte("x"), 0o644))
	}
	stale := time.Now().AddDate(0, 0, -30)
	require.NoError(t, os.Chtimes(old, stale, stale))
	require.NoError(t, os.Chtimes(oldCompressed, stale, stale))

	rw, err := NewRotatingWriter(logFile, 10, 7, false)
	require.NoError(t, err)
	defer rw.Close()

	assert.Eventually(t, func() bool {
		_, errOld := os.Stat(old)
		_, errGz := os.Stat(oldCompressed)
		return os.IsNotExist(errOld) && os.IsNotExist(errGz)
	}, 2*time.Second, 10*time.Millisecond)
	_, err = os.Stat(recent)
	assert.NoError(t, err)
}

func TestRotatingWriterWithoutMaxAgeKeepsFiles(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "agentjobs.log")
	old := logFile + ".20200101-000000.000"
	require.NoError(t, os.WriteFile(old, []byte("x"), 0o644))
	stale := time.Now().AddDate(-1, 0, 0)
	require.NoError(t, os.Chtimes(old, stale, stale))

	rw, err := NewRotatingWriter(logFile, 10, 0, false)
	require.NoError(t, err)
	defer rw.Close()

	assert.Never(t, func() bool {
		_, err := os.Stat(old)
		return os.IsNotExist(err)
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestRotatingWriterClose(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "agentjobs.log")
	rw, err := NewRotatingWriter(logFile, 10, 0, false)
	require.NoError(t, err)

	require.NoError(t, rw.Close())
	require.NoError(t, rw.Close(), "closing twice is harmless")

	n, err := rw.Write([]byte("late\n"))
	assert.ErrorIs(t, err, os.ErrClosed)
	assert.Zero(t, n)
}

func TestRotatingWriterConcurrentWrites(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "agentjobs.log")
	rw, err := NewRotatingWriter(logFile, 1, 0, false)
	require.NoError(t, err)
	rw.maxSize = 256

	const writers, lines = 8, 50
	line := []byte("0123456789abcdef\n")

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < lines; j++ {
				_, err := rw.Write(line)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	require.NoError(t, rw.Close())

	total := 0
	for _, name := range append(rotatedFiles(t, logFile), logFile) {
		content := readFile(t, name)
		assert.LessOrEqual(t, len(content), 256)
		total += strings.Count(content, string(line))
	}
	assert.Equal(t, writers*lines, total, "no line is lost across rotations")
}
