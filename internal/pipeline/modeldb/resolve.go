package modeldb

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// CatalogUpdatePolicy controls whether ResolveModelCatalog trusts the
// pinned on-disk snapshot as-is or refreshes it from the network before a
// run starts.
type CatalogUpdatePolicy string

const (
	CatalogUpdatePinned     CatalogUpdatePolicy = "pinned"
	CatalogUpdateOnRunStart CatalogUpdatePolicy = "on_run_start"
)

// ResolvedCatalog describes the model catalog snapshot a run will use and
// where it came from.
type ResolvedCatalog struct {
	// SnapshotPath is the OpenRouter-shaped JSON file loadCatalogForRun
	// should read.
	SnapshotPath string
	// Source describes how SnapshotPath was obtained, for the run manifest.
	Source string
	// Warning is set when a refresh was requested but fell back to the
	// pinned snapshot (e.g. the network fetch failed).
	Warning string
}

// ResolveModelCatalog resolves the model catalog snapshot for a run and
// copies it into logsRoot so the run's provenance is self-contained. Under
// CatalogUpdatePinned, pinnedPath is used as-is. Under
// CatalogUpdateOnRunStart, a fresh snapshot is fetched from fetchURL within
// timeout; on fetch failure the pinned snapshot is used instead, with
// Warning set.
func ResolveModelCatalog(ctx context.Context, pinnedPath, logsRoot string, policy CatalogUpdatePolicy, fetchURL string, timeout time.Duration) (ResolvedCatalog, error) {
	snapshotDir := filepath.Join(logsRoot, "model_catalog")
	if err := os.MkdirAll(snapshotDir, 0o755); err != nil {
		return ResolvedCatalog{}, fmt.Errorf("create model catalog snapshot dir: %w", err)
	}
	snapshotPath := filepath.Join(snapshotDir, "openrouter_models.json")

	if policy == CatalogUpdateOnRunStart && fetchURL != "" {
		b, err := fetchModelCatalogJSON(ctx, fetchURL, timeout)
		if err == nil {
			if werr := os.WriteFile(snapshotPath, b, 0o644); werr == nil {
				return ResolvedCatalog{SnapshotPath: snapshotPath, Source: "fetched:" + fetchURL}, nil
			}
		}
		b, rerr := os.ReadFile(pinnedPath)
		if rerr != nil {
			return ResolvedCatalog{}, fmt.Errorf("model catalog refresh failed (%v) and pinned snapshot is unreadable: %w", err, rerr)
		}
		if werr := os.WriteFile(snapshotPath, b, 0o644); werr != nil {
			return ResolvedCatalog{}, fmt.Errorf("copy pinned model catalog snapshot: %w", werr)
		}
		return ResolvedCatalog{
			SnapshotPath: snapshotPath,
			Source:       "pinned:" + pinnedPath,
			Warning:      fmt.Sprintf("model catalog refresh from %s failed, falling back to pinned snapshot: %v", fetchURL, err),
		}, nil
	}

	b, err := os.ReadFile(pinnedPath)
	if err != nil {
		return ResolvedCatalog{}, fmt.Errorf("read pinned model catalog %s: %w", pinnedPath, err)
	}
	if err := os.WriteFile(snapshotPath, b, 0o644); err != nil {
		return ResolvedCatalog{}, fmt.Errorf("copy pinned model catalog snapshot: %w", err)
	}
	return ResolvedCatalog{SnapshotPath: snapshotPath, Source: "pinned:" + pinnedPath}, nil
}

func fetchModelCatalogJSON(ctx context.Context, url string, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d fetching model catalog", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
