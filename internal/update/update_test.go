package update

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		name string
		a    string
		b    string
		want int
	}{
		{name: "1.0.0 < 1.0.1", a: "1.0.0", b: "1.0.1", want: -1},
		{name: "1.0.1 > 1.0.0", a: "1.0.1", b: "1.0.0", want: 1},
		{name: "1.0.0 == 1.0.0", a: "1.0.0", b: "1.0.0", want: 0},

		{name: "v1.0.0 < 1.0.1", a: "v1.0.0", b: "1.0.1", want: -1},
		{name: "1.0.0 < v1.0.1", a: "1.0.0", b: "v1.0.1", want: -1},
		{name: "v1.0.0 == v1.0.0", a: "v1.0.0", b: "v1.0.0", want: 0},

		{name: "1.0.0 < 1.1.0", a: "1.0.0", b: "1.1.0", want: -1},
		{name: "1.0.0 < 2.0.0", a: "1.0.0", b: "2.0.0", want: -1},
		{name: "2.0.0 > 1.9.9", a: "2.0.0", b: "1.9.9", want: 1},

		{name: "dev > 1.0.0", a: "dev", b: "1.0.0", want: 1},
		{name: "1.0.0 < dev", a: "1.0.0", b: "dev", want: -1},
		{name: "dev > 999.999.999", a: "dev", b: "999.999.999", want: 1},

		{name: "1.0.0-beta < 1.0.1", a: "1.0.0-beta", b: "1.0.1", want: -1},
		{name: "1.0.0-beta == 1.0.0", a: "1.0.0-beta", b: "1.0.0", want: 0},

		{name: "0.4.4 < 0.5.0", a: "0.4.4", b: "0.5.0", want: -1},
		{name: "0.10.0 > 0.9.0", a: "0.10.0", b: "0.9.0", want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, compareVersions(tt.a, tt.b))
		})
	}
}

func TestCacheDir(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())

	dir, err := cacheDir()
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(dir, "clove"), "cacheDir() = %q, want a clove directory", dir)
}

func TestCacheRoundTrip(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())

	_, err := loadCache()
	require.Error(t, err, "empty cache should miss")

	saved := &Info{
		LatestVersion:   "1.2.3",
		CurrentVersion:  "1.0.0",
		ReleaseURL:      "https://github.com/cloveworks/clove/releases/tag/v1.2.3",
		CheckedAt:       time.Now().Truncate(time.Second),
		UpdateAvailable: true,
	}
	require.NoError(t, saveCache(saved))

	loaded, err := loadCache()
	require.NoError(t, err)
	assert.Equal(t, saved.LatestVersion, loaded.LatestVersion)
	assert.Equal(t, saved.ReleaseURL, loaded.ReleaseURL)
	assert.True(t, loaded.UpdateAvailable)
}
