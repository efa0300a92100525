package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/nvr-ai/go-yolo/anchors"
	"github.com/nvr-ai/go-yolo/backbone"
	"github.com/nvr-ai/go-yolo/head"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, head.DefaultConfig().NumClasses, cfg.Head.NumClasses)
	assert.Equal(t, 255, cfg.Backbone.OutputChannels)
	assert.Equal(t, 13, cfg.Backbone.GridWidth)
	assert.Equal(t, "info", cfg.Log.Level)
	require.NoError(t, cfg.Head.Validate())
}

func TestLoad_File(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "configs", "yolov3-416.yaml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Head.Validate())

	assert.Equal(t, anchors.Set{{W: 116, H: 90}, {W: 156, H: 198}, {W: 373, H: 326}}, cfg.Head.Anchors)
	assert.Equal(t, 4, cfg.Head.Workers)
	assert.Equal(t, "models/yolov3-416.onnx", cfg.Backbone.ModelPath)
	assert.True(t, cfg.Backbone.Letterbox)
	assert.Equal(t, backbone.ProviderCPU, cfg.Backbone.Provider)
}

func TestLoad_PresetAndBackground(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "configs", "voc-tiny.yaml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Head.Validate())

	assert.Equal(t, anchors.Set{{W: 10, H: 14}, {W: 23, H: 27}, {W: 37, H: 58}}, cfg.Head.Anchors)
	assert.Equal(t, 20, cfg.Head.ClassChannels())
	assert.Equal(t, 75, cfg.Backbone.OutputChannels)
	assert.Equal(t, 26, cfg.Backbone.GridHeight)
	assert.Equal(t, 416, cfg.Backbone.InputWidth, "unset fields keep their defaults")
	assert.Equal(t, head.MaskSelect, cfg.Head.MaskMode)
}

func TestLoad_Env(t *testing.T) {
	t.Setenv(EnvNumClasses, "3")
	t.Setenv(EnvIgnoreThreshold, "0.7")
	t.Setenv(EnvWorkers, "2")
	t.Setenv(EnvModelPath, "/models/net.onnx")
	t.Setenv(backbone.EnvSharedLibraryPath, "/opt/ort.so")
	t.Setenv(EnvAnchorPreset, "yolov4")
	t.Setenv(EnvLogLevel, "debug")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Head.NumClasses)
	assert.InDelta(t, 0.7, cfg.Head.IgnoreThreshold, 1e-6)
	assert.Equal(t, 2, cfg.Head.Workers)
	assert.Equal(t, "/models/net.onnx", cfg.Backbone.ModelPath)
	assert.Equal(t, "/opt/ort.so", cfg.Backbone.SharedLibraryPath)
	assert.Equal(t, anchors.Set{{W: 142, H: 110}, {W: 192, H: 243}, {W: 459, H: 401}}, cfg.Head.Anchors)
	assert.Equal(t, 3*8, cfg.Backbone.OutputChannels)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_EnvAnchors(t *testing.T) {
	t.Setenv(EnvAnchors, "10,14 23x27")

	cfg, err := Load(filepath.Join("..", "configs", "voc-tiny.yaml"))
	require.NoError(t, err)
	assert.Empty(t, cfg.AnchorPreset, "explicit anchors replace the file's preset")
	assert.Equal(t, anchors.Set{{W: 10, H: 14}, {W: 23, H: 27}}, cfg.Head.Anchors)
	assert.Equal(t, 2*25, cfg.Backbone.OutputChannels)
}

func TestConfig_Resolve(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.NoError(t, cfg.SetAnchors("32,32"))
	require.NoError(t, cfg.Resolve())
	assert.Equal(t, 85, cfg.Backbone.OutputChannels)

	cfg.Log.Format = "jsn"
	assert.Error(t, cfg.Resolve())
	assert.Error(t, cfg.SetAnchors("32"))
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
		return path
	}

	tests := []struct {
		name string
		path string
		env  map[string]string
	}{
		{name: "Missing file", path: filepath.Join(dir, "missing.yaml")},
		{name: "Broken YAML", path: write("broken.yaml", "head: [")},
		{name: "Bad anchor", path: write("anchor.yaml", "head:\n  anchors: [[1, 2, 3]]\n")},
		{name: "Unknown preset", path: write("preset.yaml", "anchor_preset: yolov9\n")},
		{name: "Preset head out of range", path: write("head.yaml", "anchor_preset: yolov3-tiny\nanchor_head: 2\n")},
		{name: "Bad log format", path: write("format.yaml", "log: {format: xml}\n")},
		{name: "Labels do not fit the head", path: write("labels.yaml", "labels: voc\n")},
		{name: "Missing labels file", path: write("names.yaml", "labels: missing.names\n")},
		{name: "Bad log level", env: map[string]string{EnvLogLevel: "loud"}},
		{name: "Bad class count", env: map[string]string{EnvNumClasses: "many"}},
		{name: "Bad threshold", env: map[string]string{EnvIgnoreThreshold: "half"}},
		{name: "Bad workers", env: map[string]string{EnvWorkers: "2.5"}},
		{name: "Bad anchors", env: map[string]string{EnvAnchors: "10,14 23"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(tt.path)
			assert.Error(t, err)
		})
	}
}

func TestConfig_LabelSet(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "configs", "voc-tiny.yaml"))
	require.NoError(t, err)
	set, err := cfg.LabelSet()
	require.NoError(t, err)
	require.Len(t, set, 20)
	assert.Equal(t, "aeroplane", set.Name(0))

	cfg.Labels = ""
	set, err = cfg.LabelSet()
	require.NoError(t, err)
	assert.Nil(t, set)
}

func TestConfig_Logger(t *testing.T) {
	cfg := Default()
	cfg.Log = LogConfig{Level: "warn", Format: "json"}

	var buf bytes.Buffer
	logger := cfg.Logger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "grid", 13)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "shown", record["msg"])
	assert.Equal(t, float64(13), record["grid"])
	assert.NotContains(t, buf.String(), "hidden")

	level, err := ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestConfig_WriteRoundTrip(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "configs", "yolov3-416.yaml"))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, cfg.Write(&buf))

	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}
