package labels

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresets(t *testing.T) {
	coco, err := Preset("COCO")
	require.NoError(t, err)
	assert.Len(t, coco, 81)
	assert.Len(t, coco.Foreground(), 80)
	assert.Equal(t, "person", coco.Foreground().Name(0))
	assert.Equal(t, "toothbrush", coco.Foreground().Name(79))

	voc, err := Preset("voc")
	require.NoError(t, err)
	assert.Len(t, voc.Foreground(), 20)

	idx, ok := voc.Foreground().Index("tvmonitor")
	assert.True(t, ok)
	assert.Equal(t, 19, idx)

	_, err = Preset("imagenet")
	assert.Error(t, err)
	assert.Equal(t, []string{"coco", "voc"}, PresetNames())
}

func TestPresetReturnsCopy(t *testing.T) {
	set, err := Preset("voc")
	require.NoError(t, err)
	set[1] = "plane"
	assert.Equal(t, "aeroplane", VOC[1])
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parts.names")
	require.NoError(t, os.WriteFile(path, []byte("# parts\nbolt\n\n  nut \nwasher\n"), 0o600))

	set, err := Resolve(path)
	require.NoError(t, err)
	assert.Equal(t, Set{"bolt", "nut", "washer"}, set)
	assert.Equal(t, set, set.Foreground())
	assert.Equal(t, "class_7", set.Name(7))
	assert.Equal(t, "class_-1", set.Name(-1))

	_, ok := set.Index("screw")
	assert.False(t, ok)

	empty := filepath.Join(t.TempDir(), "empty.names")
	require.NoError(t, os.WriteFile(empty, []byte("\n# nothing\n"), 0o600))
	_, err = Load(empty)
	assert.Error(t, err)

	_, err = Resolve(filepath.Join(t.TempDir(), "missing.names"))
	assert.Error(t, err)
}
