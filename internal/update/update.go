// Package update checks GitHub for newer clove releases. Results are
// cached on disk so the version command does not hit the network on
// every invocation.
package update

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cloveworks/clove/internal/version"
)

const (
	githubAPIURL = "https://api.github.com/repos/cloveworks/clove/releases/latest"
	cacheTTL     = 24 * time.Hour
	cacheFile    = "update-check.json"
)

// Info contains the result of an update check.
type Info struct {
	LatestVersion   string    `json:"latest_version"`
	CurrentVersion  string    `json:"current_version"`
	ReleaseURL      string    `json:"release_url"`
	CheckedAt       time.Time `json:"checked_at"`
	UpdateAvailable bool      `json:"update_available"`
}

type githubRelease struct {
	TagName string `json:"tag_name"`
	HTMLURL string `json:"html_url"`
}

// CheckWithCache returns the cached check result when it is fresh and
// asks GitHub otherwise.
func CheckWithCache(ctx context.Context) (*Info, error) {
	info, err := loadCache()
	if err == nil && time.Since(info.CheckedAt) < cacheTTL {
		// The cached entry may predate an upgrade of the running
		// binary, so recompute against the current version.
		info.CurrentVersion = version.Version
		info.UpdateAvailable = compareVersions(info.CurrentVersion, info.LatestVersion) < 0
		return info, nil
	}

	info, err = check(ctx)
	if err != nil {
		return nil, err
	}
	_ = saveCache(info)
	return info, nil
}

func check(ctx context.Context) (*Info, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", githubAPIURL, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", "clove/"+version.Version)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GitHub API returned status %d", resp.StatusCode)
	}

	var release githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return nil, err
	}

	latest := strings.TrimPrefix(release.TagName, "v")
	current := version.Version

	return &Info{
		LatestVersion:   latest,
		CurrentVersion:  current,
		ReleaseURL:      release.HTMLURL,
		CheckedAt:       time.Now(),
		UpdateAvailable: compareVersions(current, latest) < 0,
	}, nil
}

// cacheDir returns the directory holding the check cache, honoring
// XDG_CACHE_HOME.
func cacheDir() (string, error) {
	cacheHome := os.Getenv("XDG_CACHE_HOME")
	if cacheHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		cacheHome = filepath.Join(home, ".cache")
	}
	return filepath.Join(cacheHome, "clove"), nil
}

func loadCache() (*Info, error) {
	dir, err := cacheDir()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(dir, cacheFile))
	if err != nil {
		return nil, err
	}

	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func saveCache(info *Info) error {
	dir, err := cacheDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, cacheFile), data, 0o644)
}

// compareVersions compares two semver strings numerically per part,
// ignoring pre-release suffixes. A "dev" build always counts as newest.
// Returns -1 if a < b, 0 if a == b, 1 if a > b.
func compareVersions(a, b string) int {
	a = strings.TrimPrefix(a, "v")
	b = strings.TrimPrefix(b, "v")

	if a == "dev" {
		return 1
	}
	if b == "dev" {
		return -1
	}

	partsA := strings.Split(a, ".")
	partsB := strings.Split(b, ".")

	maxLen := len(partsA)
	if len(partsB) > maxLen {
		maxLen = len(partsB)
	}

	for i := 0; i < maxLen; i++ {
		var numA, numB int
		if i < len(partsA) {
			numA, _ = strconv.Atoi(strings.Split(partsA[i], "-")[0])
		}
		if i < len(partsB) {
			numB, _ = strconv.Atoi(strings.Split(partsB[i], "-")[0])
		}

		if numA < numB {
			return -1
		}
		if numA > numB {
			return 1
		}
	}
	return 0
}
