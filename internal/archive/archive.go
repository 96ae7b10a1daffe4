// Package archive extracts the zip containers that archive_chunks
// install mode downloads into <archive_dir>, per spec.md section 4.10
// step 11. It is grounded on the zip-walk shape in original_source's
// download_manager.rs (extract_archives/extract_zip_archive), reusing
// plan.ValidateSafePath for the same path-safety guarantee the planner
// already applies to manifest paths.
package archive

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/coldforge/vaultcore/internal/manifest"
	"github.com/coldforge/vaultcore/internal/plan"
	"github.com/coldforge/vaultcore/internal/vaulterr"
	"github.com/coldforge/vaultcore/internal/vlog"
)

// ExtractAll walks m's archive-member files, extracting any whose hash
// changed since oldM (or every archive member on a fresh install), and
// removing the zip afterward when m.ArchiveCleanup is set. Archive
// members unchanged between oldM and m are skipped, matching the
// original's changed-hash guard.
func ExtractAll(installDir string, m *manifest.Manifest, oldM *manifest.Manifest) error {
	if m.InstallMode != manifest.ModeArchiveChunks {
		return nil
	}

	oldHashes := make(map[string]string)
	if oldM != nil {
		for _, f := range oldM.Files {
			oldHashes[f.Path] = f.Hash
		}
	}

	for _, f := range m.Files {
		if !m.IsArchiveMember(f.Path) {
			continue
		}
		if oldHashes[f.Path] == f.Hash && f.Hash != "" {
			continue
		}
		archivePath := filepath.Join(installDir, filepath.FromSlash(f.Path))
		if _, err := os.Stat(archivePath); os.IsNotExist(err) {
			continue
		}
		if err := extractOne(archivePath, installDir); err != nil {
			return vaulterr.New(vaulterr.Fatal, "archive.ExtractAll", err)
		}
		if m.ArchiveCleanup {
			if err := os.Remove(archivePath); err != nil {
				vlog.Warn("archive cleanup failed", "path", archivePath, "error", err)
			}
		}
	}
	return nil
}

// extractOne extracts every entry of the zip at archivePath into
// installDir, skipping any entry whose name escapes installDir.
func extractOne(archivePath, installDir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, entry := range r.File {
		name := strings.ReplaceAll(entry.Name, "\\", "/")
		if name == "" {
			continue
		}
		if err := plan.ValidateSafePath(name); err != nil {
			vlog.Warn("skipping unsafe archive entry", "entry", entry.Name)
			continue
		}
		outPath := filepath.Join(installDir, filepath.FromSlash(name))

		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(outPath, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
			return err
		}
		if err := extractEntry(entry, outPath); err != nil {
			return err
		}
	}
	return nil
}

func extractEntry(entry *zip.File, outPath string) error {
	rc, err := entry.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, entry.Mode().Perm()|0o600)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, rc)
	return err
}
