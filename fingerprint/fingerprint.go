// Package fingerprint computes the content hashes used to identify ROM dumps.
package fingerprint

import (
	"archive/zip"
	"crypto/md5" //nolint:gosec // MD5 is an identification key, not a security primitive
	"crypto/sha1" //nolint:gosec // SHA1 is an identification key, not a security primitive
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ryanm101/romscraper/metrics"
)

// bufferSize bounds the memory used per hash pass regardless of file size.
const bufferSize = 64 * 1024

// Fingerprint is the (MD5, SHA1, CRC32) triple of a ROM's bytes, upper-case hex.
type Fingerprint struct {
	MD5   string `json:"md5"`
	SHA1  string `json:"sha1"`
	CRC32 string `json:"crc32"`
}

// IsZero reports whether no hash has been computed.
func (f Fingerprint) IsZero() bool {
	return f.MD5 == "" && f.SHA1 == "" && f.CRC32 == ""
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("md5=%s sha1=%s crc=%s", f.MD5, f.SHA1, f.CRC32)
}

// Compute hashes r in a single sequential pass and returns the fingerprint
// along with the number of bytes read.
func Compute(r io.Reader) (Fingerprint, int64, error) {
	md5Hasher := md5.New()   //nolint:gosec
	sha1Hasher := sha1.New() //nolint:gosec
	crc32Hasher := crc32.NewIEEE()
	multiWriter := io.MultiWriter(md5Hasher, sha1Hasher, crc32Hasher)

	buf := make([]byte, bufferSize)
	n, err := io.CopyBuffer(multiWriter, r, buf)
	if err != nil {
		return Fingerprint{}, n, err
	}

	return Fingerprint{
		MD5:   strings.ToUpper(hex.EncodeToString(md5Hasher.Sum(nil))),
		SHA1:  strings.ToUpper(hex.EncodeToString(sha1Hasher.Sum(nil))),
		CRC32: fmt.Sprintf("%08X", crc32Hasher.Sum32()),
	}, n, nil
}

// File hashes a regular file and returns its fingerprint and size.
func File(path string) (Fingerprint, int64, error) {
	start := time.Now()
	defer metrics.RecordHashDuration(start)

	f, err := os.Open(path) //nolint:gosec // Caller-supplied ROM path
	if err != nil {
		return Fingerprint{}, 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	fp, n, err := Compute(f)
	if err != nil {
		return Fingerprint{}, n, fmt.Errorf("read %s: %w", path, err)
	}
	return fp, n, nil
}

// ZipEntry hashes a single member of a zip archive without extracting it.
func ZipEntry(zipPath, entryName string) (Fingerprint, int64, error) {
	start := time.Now()
	defer metrics.RecordHashDuration(start)

	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return Fingerprint{}, 0, fmt.Errorf("open %s: %w", zipPath, err)
	}
	defer func() { _ = r.Close() }()

	for _, f := range r.File {
		if f.Name != entryName {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return Fingerprint{}, 0, fmt.Errorf("open %s in %s: %w", entryName, zipPath, err)
		}
		fp, n, err := Compute(rc)
		_ = rc.Close()
		if err != nil {
			return Fingerprint{}, n, fmt.Errorf("read %s in %s: %w", entryName, zipPath, err)
		}
		return fp, n, nil
	}
	return Fingerprint{}, 0, fmt.Errorf("entry %s not found in %s", entryName, zipPath)
}
