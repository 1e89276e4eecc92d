package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/perfgo/raptor/phase"
)

func TestResolveTargets(t *testing.T) {
	tests := []struct {
		name       string
		app        string
		apps       []string
		configured []string
		want       []string
	}{
		{name: "app wins", app: "clock", apps: []string{"a", "b"}, configured: []string{"c"}, want: []string{"clock"}},
		{name: "apps over configured", apps: []string{"a", "b"}, configured: []string{"c"}, want: []string{"a", "b"}},
		{name: "comma separated apps", apps: []string{"a, b,,c"}, want: []string{"a", "b", "c"}},
		{name: "configured", configured: []string{"c", " "}, want: []string{"c"}},
		{name: "blank app ignored", app: "  ", configured: []string{"c"}, want: []string{"c"}},
		{name: "none", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ResolveTargets(tt.app, tt.apps, tt.configured))
		})
	}
}

func TestSplitList(t *testing.T) {
	require.Equal(t, []string{"clock", "settings"}, SplitList("clock,settings,"))
	require.Nil(t, SplitList(""))
}

func TestDescriptors(t *testing.T) {
	env := map[string]string{
		"DEVICE_TYPE":    "flame",
		"MEMORY":         "319",
		"BRANCH":         "",
		"GECKO_REVISION": "abc123",
		"UNRELATED":      "x",
	}
	tags := Descriptors(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	})

	require.Equal(t, map[string]string{
		"device":        "flame",
		"memory":        "319",
		"geckoRevision": "abc123",
	}, tags)
	require.Len(t, KnownDescriptors(), 6)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raptor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
runs: 5
timeout: 90s
apps:
  - clock.gaiamobile.org
  - settings.gaiamobile.org
marks:
  end: fullyLoaded
tags:
  device: flame-kk
pushgateway:
  url: http://localhost:9091
`), 0644))

	f, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 5, f.Runs)
	require.Equal(t, 90*time.Second, f.Timeout)
	require.Equal(t, 1, f.Retries)
	require.Equal(t, []string{"clock.gaiamobile.org", "settings.gaiamobile.org"}, f.Apps)
	require.Equal(t, "http://localhost:9091", f.Pushgateway.URL)

	opts := f.Options(map[string]string{"device": "flame", "branch": "master"})
	require.Equal(t, 5, opts.Runs)
	require.Equal(t, "fullyLoaded", opts.Marks[phase.MarkEnd])
	// file tags override descriptors
	require.Equal(t, map[string]string{"device": "flame-kk", "branch": "master"}, opts.Tags)
	require.NoError(t, opts.Validate())
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("RAPTOR_RETRIES", "3")

	f, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 1, f.Runs)
	require.Equal(t, 60*time.Second, f.Timeout)
	require.Equal(t, 3, f.Retries)
	require.Empty(t, f.Apps)
	require.NotNil(t, f.Tags)
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte("RAPTOR_TEST_APP=clock.gaiamobile.org\nRAPTOR_TEST_SET=fromfile\n"), 0644))

	t.Setenv("RAPTOR_TEST_SET", "fromenv")
	t.Setenv("RAPTOR_TEST_APP", "")
	os.Unsetenv("RAPTOR_TEST_APP")

	require.NoError(t, LoadEnv(path))
	require.Equal(t, "clock.gaiamobile.org", os.Getenv("RAPTOR_TEST_APP"))
	require.Equal(t, "fromenv", os.Getenv("RAPTOR_TEST_SET"))

	require.Error(t, LoadEnv(filepath.Join(dir, "missing.env")))

	t.Chdir(dir)
	require.NoError(t, LoadEnv(""))
}
