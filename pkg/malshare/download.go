package malshare

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
)

// SampleExt is appended to the hash to name samples written without an explicit output path.
const SampleExt = ".vir"

// DownloadResult describes a sample written to disk by Client.Download.
type DownloadResult struct {
	Hash string
	// Path is where the sample was written.
	Path string
	// Requested is the output path the caller asked for, empty if none.
	Requested string
	// FellBack is set when Requested had a missing parent directory and
	// the sample went to <hash>.vir in the working directory instead.
	FellBack bool
	Size     int64
	SHA256   string
}

// DefaultSamplePath returns the file name used for hash when no output path is given.
// Only the last path element of hash is used, so the file always lands in the
// working directory.
func DefaultSamplePath(hash string) string {
	return hash[strings.LastIndexAny(hash, `/\`)+1:] + SampleExt
}

// ResolveOutputPath picks the file a sample is written to.
//
// An empty output yields <hash>.vir in the working directory. A non-empty
// output is used as-is when its parent directory exists; otherwise the result
// falls back to <hash>.vir and fellBack is true. Missing directories are
// never created.
func ResolveOutputPath(hash, output string) (path string, fellBack bool) {
	if output == "" {
		return DefaultSamplePath(hash), false
	}
	info, err := os.Stat(filepath.Dir(output))
	if err != nil || !info.IsDir() {
		return DefaultSamplePath(hash), true
	}
	return output, false
}

func writeSample(path string, content []byte) (string, error) {
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", err
	}
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:]), nil
}
