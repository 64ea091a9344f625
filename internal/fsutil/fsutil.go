package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/karrick/godirwalk"
)

var fitsExts = map[string]struct{}{
	".fit":  {},
	".fits": {},
	".fts":  {},
}

var rawExts = map[string]struct{}{
	".dng": {},
	".nef": {},
	".cr2": {},
	".cr3": {},
	".arw": {},
	".rw2": {},
	".orf": {},
	".pef": {},
	".raf": {},
	".srw": {},
}

var rasterExts = map[string]struct{}{
	".tif":  {},
	".tiff": {},
	".png":  {},
	".jpg":  {},
	".jpeg": {},
}

// ListFrames returns every frame-like file under root in lexical order.
// Hidden files and directories are skipped.
func ListFrames(root string) ([]string, error) {
	var files []string
	err := godirwalk.Walk(root, &godirwalk.Options{
		Unsorted: false,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if strings.HasPrefix(de.Name(), ".") && path != root {
				if de.IsDir() {
					return godirwalk.SkipThis
				}
				return nil
			}
			if de.IsDir() {
				return nil
			}
			if IsFrameFile(path) {
				files = append(files, path)
			}
			return nil
		},
	})
	return files, err
}

// Exists reports whether path names an existing regular file.
func Exists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}

// IsDir reports whether path names an existing directory.
func IsDir(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.IsDir()
}

// IsFITSFile checks for the FITS family of extensions.
func IsFITSFile(path string) bool {
	return hasExt(fitsExts, path)
}

// IsRAWFile checks if a file is a RAW camera format.
func IsRAWFile(path string) bool {
	return hasExt(rawExts, path)
}

// IsFrameFile checks if a file is any supported frame format.
func IsFrameFile(path string) bool {
	return hasExt(fitsExts, path) || hasExt(rawExts, path) || hasExt(rasterExts, path)
}

func hasExt(set map[string]struct{}, path string) bool {
	_, ok := set[strings.ToLower(filepath.Ext(path))]
	return ok
}

// ProbeWritable creates dir if needed and checks it accepts new files by
// writing and removing a throwaway file.
func ProbeWritable(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return fmt.Errorf("directory %s is not writable: %w", dir, err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// WithSuffix replaces the extension of path's base name with suffix and
// places it in dir with an optional postfix, e.g. "light_001_c.fit".
func WithSuffix(dir, path, postfix, suffix string) string {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(dir, stem+postfix+suffix)
}
