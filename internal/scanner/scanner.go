// Package scanner walks one or more directories for recognized model
// files, classifies them by filename/path heuristic, and upserts records
// into the Store so duplicates and unmanaged local files surface in the
// CLI's listings. Progress is reported through the event bus.
package scanner

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"hfsuite/internal/eventbus"
	"hfsuite/internal/store"
)

// modelExtensions is the set of file extensions treated as model files.
var modelExtensions = map[string]bool{
	".safetensors": true, ".ckpt": true, ".pt": true, ".pth": true, ".bin": true,
	".gguf": true, ".ggml": true, ".q4_0": true, ".q4_1": true, ".q5_0": true, ".q5_1": true, ".q8_0": true,
}

// hashSampleBytes bounds the content hash to the file's first 1MB.
const hashSampleBytes = 1024 * 1024

// maxHashableSize is the ceiling above which a file is not hashed at all.
const maxHashableSize = 100 * 1024 * 1024

// ScanResult summarizes one Scan call.
type ScanResult struct {
	FilesFound int
	FilesNew   int
	Errors     []string
}

// Scanner walks configured paths and records what it finds in a Store.
type Scanner struct {
	store       *store.Store
	bus         *eventbus.Bus
	computeHash bool
}

// New builds a Scanner. computeHash enables the (slower) content-hash pass
// used for dedup detection; without it, ModelType classification and size
// still populate but FileHash is left empty.
func New(st *store.Store, bus *eventbus.Bus, computeHash bool) *Scanner {
	return &Scanner{store: st, bus: bus, computeHash: computeHash}
}

// Scan walks every path in paths, recording a LocalModelRecord for each
// recognized model file found. Non-existent paths are skipped rather than
// erroring, matching the Python original's `if not path.exists(): continue`.
func (s *Scanner) Scan(paths []string) ScanResult {
	var files []string
	for _, root := range paths {
		if _, err := os.Stat(root); err != nil {
			continue
		}
		filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			if modelExtensions[strings.ToLower(filepath.Ext(p))] {
				files = append(files, p)
			}
			return nil
		})
	}

	if s.bus != nil {
		s.bus.Emit(eventbus.ScanStarted, len(files))
	}

	result := ScanResult{FilesFound: len(files)}
	for i, path := range files {
		if s.bus != nil {
			s.bus.Emit(eventbus.ScanProgress, struct {
				Path    string
				Current int
				Total   int
			}{path, i + 1, len(files)})
		}

		rec, err := s.processFile(path)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		if err := s.store.AddLocalModel(rec); err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		result.FilesNew++
	}

	if s.bus != nil {
		s.bus.Emit(eventbus.ScanCompleted, result.FilesNew)
	}
	return result
}

func (s *Scanner) processFile(path string) (*store.LocalModelRecord, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	rec := &store.LocalModelRecord{
		FilePath:  path,
		FileType:  strings.ToLower(filepath.Ext(path)),
		ModelType: detectModelType(path),
		SizeBytes: info.Size(),
		ScannedAt: time.Now(),
	}

	if s.computeHash && info.Size() < maxHashableSize {
		hash, err := hashFirstMB(path)
		if err == nil {
			rec.FileHash = hash
		}
	}

	return rec, nil
}

// detectModelType classifies by substring checks against the full path
// and filename, both lowercased; precedence order matters (a file under
// loras/ named vae-something is a lora).
func detectModelType(path string) string {
	pathLower := strings.ToLower(path)
	nameLower := strings.ToLower(filepath.Base(path))

	switch {
	case strings.Contains(pathLower, "lora") || strings.Contains(nameLower, "lora"):
		return "lora"
	case strings.Contains(pathLower, "vae") || strings.Contains(nameLower, "vae"):
		return "vae"
	case strings.Contains(pathLower, "controlnet") || strings.Contains(nameLower, "control"):
		return "controlnet"
	case strings.Contains(pathLower, "embedding") || strings.Contains(nameLower, "embed"):
		return "embedding"
	case strings.Contains(pathLower, "upscale") || strings.Contains(nameLower, "esrgan"):
		return "upscaler"
	case strings.Contains(nameLower, ".gguf"):
		return "gguf"
	default:
		return "checkpoint"
	}
}

// hashFirstMB computes sha256 over just the first 1MB of the file
// (full-file hashing would make an unattended large-directory scan
// prohibitively slow), truncated to 16 hex characters.
func hashFirstMB(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.CopyN(h, f, hashSampleBytes); err != nil && err != io.EOF {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil))[:16], nil
}
