package dispatch

import (
	"archive/zip"
	"os"
	"path/filepath"
	"strings"

	"github.com/runverify/replay-runner/internal/retrytax"
	"github.com/runverify/replay-runner/internal/runmodel"
)

// SecurityConfig bounds what the dispatcher will accept before and after a
// download (spec §4.4, SPEC_FULL supplement #4). Grounded on
// original_source/crates/zip_downloader/src/security.rs.
type SecurityConfig struct {
	MaxFileSize       int64
	MaxExtractedSize  int64
	MaxZipEntries     int
	AllowedExtensions []string
	MinFreeDiskBytes  uint64
}

// DefaultSecurityConfig mirrors the Rust original's defaults.
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		MaxFileSize:       100 * 1024 * 1024,
		MaxExtractedSize:  500 * 1024 * 1024,
		MaxZipEntries:     1000,
		AllowedExtensions: []string{".zip"},
		MinFreeDiskBytes:  1024 * 1024 * 1024,
	}
}

var zipMagicNumbers = [][4]byte{
	{0x50, 0x4B, 0x03, 0x04},
	{0x50, 0x4B, 0x05, 0x06},
	{0x50, 0x4B, 0x07, 0x08},
}

// validateFileName rejects a provider-supplied name containing path
// separators, before it is ever joined onto a destination directory.
func validateFileName(name string) error {
	if strings.ContainsAny(name, "/\\") {
		return retrytax.Finalf("file name %q contains path separators", name)
	}
	return nil
}

func validateFileSize(size int64, cfg SecurityConfig) error {
	if size > cfg.MaxFileSize {
		return retrytax.Finalf("file size %d exceeds maximum allowed %d bytes", size, cfg.MaxFileSize)
	}
	return nil
}

func validateFileExtension(name string, cfg SecurityConfig) error {
	ext := strings.ToLower(filepath.Ext(name))
	for _, allowed := range cfg.AllowedExtensions {
		if ext == allowed {
			return nil
		}
	}
	return retrytax.Finalf("file extension not allowed: %s (allowed: %v)", name, cfg.AllowedExtensions)
}

// validateFileInfo is the pre-download check (spec §4.4 step 2): size
// ceiling, extension whitelist, no path separators in the name.
func validateFileInfo(info runmodel.FileMeta, cfg SecurityConfig) error {
	if err := validateFileName(info.Name); err != nil {
		return err
	}
	if err := validateFileSize(info.Size, cfg); err != nil {
		return err
	}
	if err := validateFileExtension(info.Name, cfg); err != nil {
		return err
	}
	return nil
}

// validateMagicNumber checks the downloaded file's first four bytes
// against the known archive magic numbers (spec §4.4 step 5).
func validateMagicNumber(header []byte) error {
	if len(header) < 4 {
		return retrytax.Finalf("file too short to contain a valid archive header")
	}
	var got [4]byte
	copy(got[:], header[:4])
	for _, magic := range zipMagicNumbers {
		if got == magic {
			return nil
		}
	}
	return retrytax.Finalf("file is not a valid ZIP archive")
}

// validateZipEntryPath rejects `..`, a leading path separator, or a
// Windows drive prefix (spec §4.4 step 5).
func validateZipEntryPath(path string) error {
	if strings.Contains(path, "..") {
		return retrytax.Finalf("path traversal attempt detected: %s", path)
	}
	if strings.HasPrefix(path, "/") || strings.HasPrefix(path, "\\") {
		return retrytax.Finalf("absolute path detected: %s", path)
	}
	if len(path) >= 2 && path[1] == ':' {
		return retrytax.Finalf("windows drive path detected: %s", path)
	}
	return nil
}

// validateZipArchive enumerates entries, checking count, total
// uncompressed size, and every entry's path.
func validateZipArchive(path string, cfg SecurityConfig) error {
	r, err := zip.OpenReader(path)
	if err != nil {
		return retrytax.Finalf("failed to read zip: %v", err)
	}
	defer r.Close()

	if len(r.File) > cfg.MaxZipEntries {
		return retrytax.Finalf("zip file has %d entries, maximum is %d", len(r.File), cfg.MaxZipEntries)
	}

	var total int64
	for _, f := range r.File {
		if err := validateZipEntryPath(f.Name); err != nil {
			return err
		}
		total += int64(f.UncompressedSize64)
	}
	if total > cfg.MaxExtractedSize {
		return retrytax.Finalf("total uncompressed size %d exceeds maximum %d", total, cfg.MaxExtractedSize)
	}
	return nil
}

// validateDownloadedFile re-opens the just-downloaded file and re-checks
// it end to end (spec §4.4 step 5): magic number, archive contents, and a
// size cross-check against the metadata fetched before download (a zero
// metadata size means "unknown, skip check").
func validateDownloadedFile(path string, info runmodel.FileMeta, cfg SecurityConfig, actualSize int64, header []byte) error {
	if err := validateMagicNumber(header); err != nil {
		return err
	}
	if err := validateZipArchive(path, cfg); err != nil {
		return err
	}
	if info.Size != 0 && actualSize != info.Size {
		return retrytax.Finalf("file size mismatch: expected %d, got %d", info.Size, actualSize)
	}
	return nil
}

// destinationFor builds the final download path (spec §4.4 step 3): if
// output names an existing directory, the provider-supplied file name is
// appended; otherwise output is used verbatim.
func destinationFor(output string, name string) string {
	if info, err := os.Stat(output); err == nil && info.IsDir() {
		return filepath.Join(output, name)
	}
	return output
}
