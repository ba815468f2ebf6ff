package workspace

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// SeedResult reports the outcome of a single file-seeding entry.
type SeedResult struct {
	Source string `json:"source"`
	Dest   string `json:"dest"`
	Status string `json:"status"` // copied, skipped, error
	Error  string `json:"error,omitempty"`
}

// Seed statuses.
const (
	SeedCopied  = "copied"
	SeedSkipped = "skipped"
	SeedError   = "error"
)

// SeedFiles copies untracked files (local config, env files) from the parent
// repository checkout into a freshly created workspace.
//
// Each entry is either "src" (same relative destination) or "src:dest".
// Missing sources are skipped, not failed: seed lists are shared across
// machines that may not carry every file. Errors on individual entries are
// reported per-entry and never abort the remaining copies.
func (m *Manager) SeedFiles(entries []string, repoRoot, workspacePath string) []SeedResult {
	results := make([]SeedResult, 0, len(entries))

	for _, entry := range entries {
		src, dest := splitSeedEntry(entry)
		if src == "" {
			results = append(results, SeedResult{
				Source: entry,
				Status: SeedError,
				Error:  "empty source path",
			})
			continue
		}

		srcPath := filepath.Join(repoRoot, src)
		destPath := filepath.Join(workspacePath, dest)

		info, err := os.Stat(srcPath)
		if err != nil {
			if os.IsNotExist(err) {
				results = append(results, SeedResult{Source: src, Dest: dest, Status: SeedSkipped})
				continue
			}
			results = append(results, SeedResult{
				Source: src, Dest: dest, Status: SeedError, Error: err.Error(),
			})
			continue
		}
		if !info.Mode().IsRegular() {
			results = append(results, SeedResult{
				Source: src, Dest: dest, Status: SeedError,
				Error: "not a regular file",
			})
			continue
		}

		if err := copyFile(srcPath, destPath, info.Mode()); err != nil {
			results = append(results, SeedResult{
				Source: src, Dest: dest, Status: SeedError, Error: err.Error(),
			})
			continue
		}

		results = append(results, SeedResult{Source: src, Dest: dest, Status: SeedCopied})
	}

	copied := 0
	for _, r := range results {
		if r.Status == SeedCopied {
			copied++
		}
	}
	m.logger.Info("seeded workspace files",
		zap.String("workspace", workspacePath),
		zap.Int("requested", len(entries)),
		zap.Int("copied", copied))

	return results
}

// splitSeedEntry parses "src" or "src:dest" into source and destination paths.
func splitSeedEntry(entry string) (src, dest string) {
	entry = strings.TrimSpace(entry)
	if idx := strings.Index(entry, ":"); idx >= 0 {
		src = strings.TrimSpace(entry[:idx])
		dest = strings.TrimSpace(entry[idx+1:])
		if dest == "" {
			dest = src
		}
		return src, dest
	}
	return entry, entry
}

func copyFile(src, dest string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
