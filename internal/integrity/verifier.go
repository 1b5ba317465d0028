// Package integrity provides file verification and hash calculation
package integrity

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"hfsuite/internal/errs"
)

// FileVerifier handles file integrity checks for completed downloads. A
// mismatch is non-retryable and fatal to the task.
type FileVerifier struct{}

func NewFileVerifier() *FileVerifier {
	return &FileVerifier{}
}

// Verify checks the file at path against expected, picking sha256 or md5
// by the expected hex string's length (64 vs 32 hex chars) since the only
// checksums this system ever sees are caller-supplied. Returns an
// *errs.DownloadError of KindFileVerificationError on mismatch or an
// unreadable file.
func (v *FileVerifier) Verify(path string, expected string) error {
	algo := "md5"
	if len(expected) == 64 {
		algo = "sha256"
	}

	actual, err := CalculateHash(path, algo)
	if err != nil {
		return errs.NewFileVerificationError(path, expected, "unreadable")
	}

	if actual != expected {
		return errs.NewFileVerificationError(path, expected, actual)
	}

	return nil
}

// CalculateHash computes the hash of a file
// algorithm should be "sha256" or "md5"
func CalculateHash(filePath string, algorithm string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	var hash string
	if algorithm == "sha256" {
		hasher := sha256.New()
		if _, err := io.Copy(hasher, file); err != nil {
			return "", err
		}
		hash = hex.EncodeToString(hasher.Sum(nil))
	} else if algorithm == "md5" {
		hasher := md5.New()
		if _, err := io.Copy(hasher, file); err != nil {
			return "", err
		}
		hash = hex.EncodeToString(hasher.Sum(nil))
	} else {
		return "", fmt.Errorf("unsupported algorithm: %s", algorithm)
	}

	return hash, nil
}
