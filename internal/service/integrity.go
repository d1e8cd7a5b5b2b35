package service

import (
	"errors"
	"io/fs"
	"os"

	"github.com/rs/zerolog"

	"traffic-eye/internal/evidence"
	"traffic-eye/internal/repository"
)

// FileCheck is the integrity verdict for one stored evidence file.
type FileCheck struct {
	File      repository.EvidenceFile `json:"file"`
	Present   bool                    `json:"present"`
	HashValid bool                    `json:"hash_valid"`
}

func checkFile(f repository.EvidenceFile) (FileCheck, []byte) {
	check := FileCheck{File: f}
	data, err := os.ReadFile(f.FilePath)
	if err != nil {
		return check, nil
	}
	check.Present = true
	check.HashValid = evidence.HashBytes(data) == f.FileHash
	return check, data
}

// loadFrames returns the bytes of frame evidence whose recomputed hash matches
// the stored one, and how many frames were left out.
func loadFrames(files []repository.EvidenceFile, log zerolog.Logger) ([][]byte, int) {
	var (
		frames   [][]byte
		excluded int
	)
	for _, f := range files {
		if f.FileType != repository.FileTypeFrame {
			continue
		}
		check, data := checkFile(f)
		switch {
		case !check.Present:
			excluded++
			log.Warn().Str("violation_id", f.ViolationID).Str("path", f.FilePath).Msg("evidence file missing")
		case !check.HashValid:
			excluded++
			log.Error().
				Str("violation_id", f.ViolationID).
				Str("path", f.FilePath).
				Str("expected_hash", f.FileHash).
				Msg("evidence hash mismatch, frame excluded")
		default:
			frames = append(frames, data)
		}
	}
	return frames, excluded
}

func removeDir(path string) error {
	err := os.RemoveAll(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
