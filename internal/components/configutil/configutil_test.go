package configutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Timezone string            `json:"timezone"`
	Port     int               `json:"port"`
	Plugins  map[string]string `json:"plugins"`
}

func TestReadConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json5"), []byte(`{
		// comments are allowed
		timezone: "Asia/Shanghai",
		port: 9130,
		plugins: { nodeseek: "a" },
	}`), 0666))

	cfg, err := ReadConfig[testConfig](filepath.Join(dir, "config.json5"))
	require.NoError(t, err)
	require.Equal(t, 9130, cfg.Port)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.local.json5"), []byte(`{
		port: 8080,
		plugins: { hdhive: "b" },
	}`), 0666))

	cfg, err = ReadConfig[testConfig](filepath.Join(dir, "config.json5"))
	require.NoError(t, err)

	expected := testConfig{
		Timezone: "Asia/Shanghai",
		Port:     8080,
		Plugins:  map[string]string{"nodeseek": "a", "hdhive": "b"},
	}
	if diff := cmp.Diff(expected, cfg); diff != "" {
		t.Fatal(diff)
	}
}

func TestReadConfigMissing(t *testing.T) {
	_, err := ReadConfig[testConfig](filepath.Join(t.TempDir(), "config.json5"))
	require.True(t, os.IsNotExist(err))
}

func TestReadRecursively(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0777))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json5"), []byte(`{port: 9130}`), 0666))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(nested))
	t.Cleanup(func() {
		os.Chdir(wd)
	})

	cfg, err := ReadRecursively[testConfig]("config.json5")
	require.NoError(t, err)
	require.Equal(t, 9130, cfg.Port)
}
