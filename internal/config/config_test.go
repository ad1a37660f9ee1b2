package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("POSTGRES_HOST", "")

	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, "dataset", cfg.DataDir)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, 15, cfg.QueueSize)
	assert.Zero(t, cfg.JobTimeout)
	assert.Equal(t, 0.5, cfg.ConfidenceThreshold)
	assert.Equal(t, 0.2, cfg.PaddingRatio)
	assert.Equal(t, "ffmpeg", cfg.Transcode.Binary)
	assert.Equal(t, ":5000", cfg.HTTP.Addr)
	assert.Equal(t, 20, cfg.Detector.MinFaceSize)
	assert.Empty(t, cfg.Detector.Command())
	assert.Empty(t, cfg.DB, "no database unless configured")
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("FACECOLLECT_WORKERS", "5")
	t.Setenv("FACECOLLECT_JOB_TIMEOUT", "90s")
	t.Setenv("FACECOLLECT_DETECTOR_ENGINE_COMMAND", "python3 -u python/detector.py")
	t.Setenv("FACECOLLECT_DETECTOR_MODEL_PATH", "/models/yolov8n-face.pt")

	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Workers)
	assert.Equal(t, 90*time.Second, cfg.JobTimeout)
	assert.Equal(t, []string{"python3", "-u", "python/detector.py"}, cfg.Detector.Command())
	assert.Equal(t, "/models/yolov8n-face.pt", cfg.Detector.ModelPath)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "facecollect.yaml")
	content := `
data_dir: /srv/faces
confidence_threshold: 0.7
transcode:
  timeout: 2m
http:
  addr: 127.0.0.1:8080
log:
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(New(), path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/faces", cfg.DataDir)
	assert.Equal(t, 0.7, cfg.ConfidenceThreshold)
	assert.Equal(t, 2*time.Minute, cfg.Transcode.Timeout)
	assert.Equal(t, "127.0.0.1:8080", cfg.HTTP.Addr)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 3, cfg.Workers, "unset keys keep their defaults")
}

func TestLoad_MissingConfigFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_PostgresFallback(t *testing.T) {
	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("POSTGRES_USER", "face")
	t.Setenv("POSTGRES_PASSWORD", "secret")
	t.Setenv("POSTGRES_DB", "facecollect")
	t.Setenv("POSTGRES_PORT", "")

	cfg, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, "postgres://face:secret@db:5432/facecollect", cfg.DB)

	// An explicit value wins
	v := New()
	v.Set("db", "postgres://localhost/other")
	cfg, err = Load(v, "")
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/other", cfg.DB)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"No data dir", func(c *Config) { c.DataDir = "" }},
		{"Zero workers", func(c *Config) { c.Workers = 0 }},
		{"Zero queue", func(c *Config) { c.QueueSize = 0 }},
		{"Negative job timeout", func(c *Config) { c.JobTimeout = -time.Second }},
		{"Threshold above one", func(c *Config) { c.ConfidenceThreshold = 1.1 }},
		{"Negative threshold", func(c *Config) { c.ConfidenceThreshold = -0.1 }},
		{"Negative padding", func(c *Config) { c.PaddingRatio = -0.5 }},
		{"Negative min face", func(c *Config) { c.Detector.MinFaceSize = -1 }},
		{"Unknown log format", func(c *Config) { c.Log.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(New(), "")
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
