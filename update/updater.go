// Package update checks GitHub releases for newer conductor CLI builds and
// installs them in place.
package update

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"golang.org/x/mod/semver"
)

// ErrNoAsset means the release has no binary for this platform.
var ErrNoAsset = errors.New("no release asset for this platform")

// Release is a published version with the download URL for this platform.
type Release struct {
	Version string `json:"version"`
	URL     string `json:"url"`
}

type githubRelease struct {
	TagName string `json:"tag_name"`
	Assets  []struct {
		Name string `json:"name"`
		URL  string `json:"browser_download_url"`
	} `json:"assets"`
}

// Updater talks to the GitHub releases API for one repository.
type Updater struct {
	Current string
	Repo    string // owner/name
	APIBase string
	Client  *http.Client

	goos, goarch string
}

// New returns an Updater for the conductor repository.
func New(current string) *Updater {
	return &Updater{
		Current: current,
		Repo:    "GoCodeAlone/conductor",
		APIBase: "https://api.github.com",
		Client:  &http.Client{Timeout: 30 * time.Second},
		goos:    runtime.GOOS,
		goarch:  runtime.GOARCH,
	}
}

func canonical(v string) string {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return semver.Canonical(v)
}

// Check returns the latest release when it is newer than Current, or nil
// when Current is up to date. Development builds never report an update.
func (u *Updater) Check(ctx context.Context) (*Release, error) {
	current := canonical(u.Current)
	if current == "" {
		return nil, nil
	}
	url := fmt.Sprintf("%s/repos/%s/releases/latest", strings.TrimRight(u.APIBase, "/"), u.Repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "conductor/"+u.Current)

	resp, err := u.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch latest release: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github API returned %d", resp.StatusCode)
	}

	var rel githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return nil, fmt.Errorf("decode release: %w", err)
	}
	latest := canonical(rel.TagName)
	if latest == "" {
		return nil, fmt.Errorf("release tag %q is not a semantic version", rel.TagName)
	}
	if semver.Compare(latest, current) <= 0 {
		return nil, nil
	}

	arch := u.goarch
	if arch == "amd64" {
		arch = "x86_64"
	}
	for _, a := range rel.Assets {
		name := strings.ToLower(a.Name)
		if strings.Contains(name, u.goos) && strings.Contains(name, arch) {
			return &Release{Version: rel.TagName, URL: a.URL}, nil
		}
	}
	return nil, fmt.Errorf("%s %s/%s: %w", rel.TagName, u.goos, arch, ErrNoAsset)
}

// Apply downloads rel and replaces the executable at path. The download is
// staged next to path so the final rename stays on one filesystem.
func (u *Updater) Apply(ctx context.Context, rel *Release, path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".conductor-update-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		tmp.Close()        //nolint:errcheck
		os.Remove(tmpPath) //nolint:errcheck
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rel.URL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := u.Client.Do(req)
	if err != nil {
		return fmt.Errorf("download release: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download returned %d", resp.StatusCode)
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		return fmt.Errorf("write download: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o755); err != nil {
		return fmt.Errorf("chmod: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace binary: %w", err)
	}
	return nil
}
