// Package update checks GitHub for a newer released version of the
// CLI. Lookups are throttled through an on-disk cache so a relay that
// restarts often does not hammer the releases API. Every failure is
// soft: the caller gets the cached (or empty) answer and the relay
// carries on.
package update

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v69/github"
)

const (
	repoOwner = "myndhyve"
	repoName  = "myndhyve-cli"

	cacheTTL = 24 * time.Hour
)

// cacheEntry is the persisted .update-check shape.
type cacheEntry struct {
	CheckedAt     time.Time `json:"checkedAt"`
	LatestVersion string    `json:"latestVersion"`
}

// releaseLister is the slice of the GitHub client the checker uses.
type releaseLister interface {
	GetLatestRelease(ctx context.Context, owner, repo string) (*github.RepositoryRelease, *github.Response, error)
}

// Checker resolves the latest released version, at most once per day.
type Checker struct {
	CachePath string
	Logger    *slog.Logger

	// releases overrides the GitHub API in tests.
	releases releaseLister
}

// New returns a Checker backed by the public GitHub API.
func New(cachePath string, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		CachePath: cachePath,
		Logger:    logger,
		releases:  github.NewClient(nil).Repositories,
	}
}

// Check returns the latest released version and whether it is newer
// than current. A fresh cache short-circuits the network entirely;
// network failures degrade to the cached answer.
func (c *Checker) Check(ctx context.Context, current string) (latest string, newer bool) {
	if entry, ok := c.readCache(); ok && time.Since(entry.CheckedAt) < cacheTTL {
		return entry.LatestVersion, IsNewer(entry.LatestVersion, current)
	}

	release, _, err := c.releases.GetLatestRelease(ctx, repoOwner, repoName)
	if err != nil {
		c.Logger.Debug("release lookup failed", "error", err)
		if entry, ok := c.readCache(); ok {
			return entry.LatestVersion, IsNewer(entry.LatestVersion, current)
		}
		return "", false
	}

	latest = release.GetTagName()
	c.writeCache(cacheEntry{CheckedAt: time.Now().UTC(), LatestVersion: latest})
	return latest, IsNewer(latest, current)
}

func (c *Checker) readCache() (cacheEntry, bool) {
	data, err := os.ReadFile(c.CachePath)
	if err != nil {
		return cacheEntry{}, false
	}
	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil || entry.LatestVersion == "" {
		return cacheEntry{}, false
	}
	return entry, true
}

func (c *Checker) writeCache(entry cacheEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := os.WriteFile(c.CachePath, data, 0o600); err != nil {
		c.Logger.Debug("failed to write update cache", "path", c.CachePath, "error", err)
	}
}

// IsNewer reports whether latest is a strictly newer release than
// current. Non-release builds ("dev", empty) never see an update;
// versions that do not parse compare as equal.
func IsNewer(latest, current string) bool {
	if latest == "" || current == "" || current == "dev" {
		return false
	}
	lv, lok := parseVersion(latest)
	cv, cok := parseVersion(current)
	if !lok || !cok {
		return false
	}
	for i := range 3 {
		if lv[i] != cv[i] {
			return lv[i] > cv[i]
		}
	}
	return false
}

func parseVersion(v string) ([3]int, bool) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	// Drop pre-release/build suffixes.
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		v = v[:i]
	}
	parts := strings.Split(v, ".")
	if len(parts) == 0 || len(parts) > 3 {
		return [3]int{}, false
	}
	var out [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return [3]int{}, false
		}
		out[i] = n
	}
	return out, true
}

// Describe renders a human line for the startup log, empty when there
// is nothing to say.
func Describe(latest, current string) string {
	if !IsNewer(latest, current) {
		return ""
	}
	return fmt.Sprintf("update available: %s (running %s)", latest, current)
}
