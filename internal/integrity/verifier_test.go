package integrity

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"testing"

	"hfsuite/internal/errs"
)

func TestCalculateHash_SHA256(t *testing.T) {
	// Create dummy file
	content := []byte("hello world")
	tmpFile, _ := os.CreateTemp("", "hash_test")
	defer os.Remove(tmpFile.Name())
	tmpFile.Write(content)
	tmpFile.Close()

	// Calc expected
	expected := sha256.Sum256(content)
	expectedStr := hex.EncodeToString(expected[:])

	actual, err := CalculateHash(tmpFile.Name(), "sha256")
	if err != nil {
		t.Fatalf("CalculateHash failed: %v", err)
	}

	if actual != expectedStr {
		t.Errorf("Expected %s, got %s", expectedStr, actual)
	}
}

func TestCalculateHash_MD5(t *testing.T) {
	content := []byte("hello world")
	tmpFile, _ := os.CreateTemp("", "hash_test")
	defer os.Remove(tmpFile.Name())
	tmpFile.Write(content)
	tmpFile.Close()

	expected := md5.Sum(content)
	expectedStr := hex.EncodeToString(expected[:])

	actual, err := CalculateHash(tmpFile.Name(), "md5")
	if err != nil {
		t.Fatalf("CalculateHash failed: %v", err)
	}

	if actual != expectedStr {
		t.Errorf("Expected %s, got %s", expectedStr, actual)
	}
}

func TestVerifier_MismatchDetection(t *testing.T) {
	content := []byte("hello world")
	tmpFile, _ := os.CreateTemp("", "hash_test")
	defer os.Remove(tmpFile.Name())
	tmpFile.Write(content)
	tmpFile.Close()

	v := NewFileVerifier()

	// Wrong hash, md5-length (32 hex chars), picked by length alone.
	err := v.Verify(tmpFile.Name(), "0123456789abcdef0123456789abcdef")
	if err == nil {
		t.Error("Expected error for mismatching hash, got nil")
	}
	de, ok := err.(*errs.DownloadError)
	if !ok {
		t.Fatalf("expected *errs.DownloadError, got %T", err)
	}
	if de.Kind != errs.KindFileVerificationError {
		t.Errorf("expected KindFileVerificationError, got %v", de.Kind)
	}
}

func TestVerifier_MatchSucceeds(t *testing.T) {
	content := []byte("hello world")
	tmpFile, _ := os.CreateTemp("", "hash_test")
	defer os.Remove(tmpFile.Name())
	tmpFile.Write(content)
	tmpFile.Close()

	expected := sha256.Sum256(content)
	expectedStr := hex.EncodeToString(expected[:])

	v := NewFileVerifier()
	if err := v.Verify(tmpFile.Name(), expectedStr); err != nil {
		t.Errorf("expected match, got error: %v", err)
	}
}
