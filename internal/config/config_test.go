package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestDefaultsValidate(t *testing.T) {
	assert.NoError(t, Defaults().Validate())
}

func TestValidateRejectsBadChunkSize(t *testing.T) {
	c := Defaults()
	c.ChunkSize = 0
	assert.Error(t, c.Validate())
}

func TestValidateRejectsBadWorkerConcurrency(t *testing.T) {
	c := Defaults()
	c.WorkerConcurrencyMin = 8
	c.WorkerConcurrencyMax = 4
	assert.Error(t, c.Validate())
}

func TestValidateRejectsBadCWSPoolBounds(t *testing.T) {
	c := Defaults()
	c.CWSMaxPerRoute = 100
	c.CWSMaxConnections = 10
	assert.Error(t, c.Validate())
}

func TestNewLoaderWithNoFileUsesDefaults(t *testing.T) {
	l, err := NewLoader("", discardLogger())
	require.NoError(t, err)

	cur := l.Current()
	assert.Equal(t, Defaults().ChunkSize, cur.ChunkSize)
	assert.Equal(t, Defaults().HTTPAddr, cur.HTTPAddr)
}

func TestNewLoaderReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chunk_size: 32\nworker_concurrency_max: 8\n"), 0644))

	l, err := NewLoader(path, discardLogger())
	require.NoError(t, err)

	cur := l.Current()
	assert.Equal(t, 32, cur.ChunkSize)
	assert.Equal(t, 8, cur.WorkerConcurrencyMax)
}

func TestNewLoaderRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chunk_size: 0\n"), 0644))

	_, err := NewLoader(path, discardLogger())
	assert.Error(t, err)
}

func TestSubscribeFiresOnReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chunk_size: 16\n"), 0644))

	l, err := NewLoader(path, discardLogger())
	require.NoError(t, err)

	seen := make(chan Config, 1)
	l.Subscribe(func(c Config) { seen <- c })

	require.NoError(t, os.WriteFile(path, []byte("chunk_size: 48\n"), 0644))
	require.NoError(t, l.reload())

	select {
	case c := <-seen:
		assert.Equal(t, 48, c.ChunkSize)
	case <-time.After(time.Second):
		t.Fatal("subscriber was not notified of reload")
	}
}
