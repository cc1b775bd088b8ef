package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var ErrVersionCheckFailed = errors.New("version check failed")

// releaseURL is the GitHub API endpoint for the latest release
var releaseURL = "https://api.github.com/repos/airframesio/data-checker/releases/latest"

const (
	versionCheckTimeout = 5 * time.Second
	versionCacheExpiry  = 24 * time.Hour
)

type githubRelease struct {
	TagName string `json:"tag_name"`
	HTMLURL string `json:"html_url"`
}

// UpdateNotice is the outcome of looking for a newer release
type UpdateNotice struct {
	UpdateAvailable bool      `json:"update_available"`
	CurrentVersion  string    `json:"-"`
	LatestVersion   string    `json:"latest_version"`
	ReleaseURL      string    `json:"release_url"`
	CheckedAt       time.Time `json:"checked_at"`
}

func (n UpdateNotice) String() string {
	return fmt.Sprintf("Update available: v%s → v%s (visit %s)", n.CurrentVersion, n.LatestVersion, n.ReleaseURL)
}

func versionCachePath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".data-checker", "version_check.json")
}

// checkForUpdates asks GitHub for the latest release. Development builds never
// check, and a fresh cached answer skips the request.
func checkForUpdates(ctx context.Context, currentVersion string) (UpdateNotice, error) {
	current := strings.TrimPrefix(currentVersion, "v")
	if current == "" || current == "dev" {
		return UpdateNotice{CurrentVersion: currentVersion}, nil
	}

	if data, err := os.ReadFile(versionCachePath()); err == nil {
		var cached UpdateNotice
		if json.Unmarshal(data, &cached) == nil && time.Since(cached.CheckedAt) < versionCacheExpiry {
			cached.CurrentVersion = current
			cached.UpdateAvailable = compareVersions(cached.LatestVersion, current) > 0
			return cached, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, versionCheckTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, releaseURL, nil)
	if err != nil {
		return UpdateNotice{}, fmt.Errorf("failed to create request: %w", err)
	}
	// GitHub rejects requests without a User-Agent
	req.Header.Set("User-Agent", "data-checker/"+current)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return UpdateNotice{}, fmt.Errorf("failed to fetch latest release: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return UpdateNotice{}, fmt.Errorf("%w: status %d", ErrVersionCheckFailed, resp.StatusCode)
	}

	var release githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return UpdateNotice{}, fmt.Errorf("failed to decode response: %w", err)
	}

	latest := strings.TrimPrefix(release.TagName, "v")
	notice := UpdateNotice{
		UpdateAvailable: compareVersions(latest, current) > 0,
		CurrentVersion:  current,
		LatestVersion:   latest,
		ReleaseURL:      release.HTMLURL,
		CheckedAt:       time.Now(),
	}
	if data, err := json.Marshal(notice); err == nil {
		_ = os.MkdirAll(filepath.Dir(versionCachePath()), 0o755)
		_ = os.WriteFile(versionCachePath(), data, 0o600)
	}
	return notice, nil
}

// compareVersions compares two semantic versions, ignoring pre-release suffixes.
// Returns 1 if v1 > v2, -1 if v1 < v2, 0 if equal.
func compareVersions(v1, v2 string) int {
	parts1 := parseVersion(v1)
	parts2 := parseVersion(v2)
	for i := range parts1 {
		if parts1[i] > parts2[i] {
			return 1
		}
		if parts1[i] < parts2[i] {
			return -1
		}
	}
	return 0
}

// parseVersion parses "1.2.3" or "1.2.3-rc1" into [major, minor, patch]
func parseVersion(version string) [3]int {
	var parts [3]int
	version, _, _ = strings.Cut(version, "-")
	for i, component := range strings.SplitN(version, ".", 3) {
		_, _ = fmt.Sscanf(component, "%d", &parts[i])
	}
	return parts
}

// announceUpdate logs an update notice if the check finishes within wait
func announceUpdate(ctx context.Context, wait time.Duration) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		notice, err := checkForUpdates(ctx, Version)
		switch {
		case err != nil:
			logger.Debug(fmt.Sprintf("Version check failed: %v", err))
		case notice.UpdateAvailable:
			logger.Info(fmt.Sprintf("💡 %s", notice))
		}
	}()

	select {
	case <-done:
	case <-time.After(wait):
		logger.Debug("Version check taking longer than expected, continuing...")
	}
}
