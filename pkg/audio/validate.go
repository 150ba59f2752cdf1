// Package audio checks audio files on disk and converts compressed speech to
// the uncompressed form the lip sync extractor needs.
package audio

import (
	"bytes"
	"io"
	"os"

	"github.com/h2non/filetype"

	"github.com/sipeed/picoavatar/pkg/logger"
)

type Format string

const (
	FormatAny Format = ""
	FormatMP3 Format = "mp3"
	FormatWAV Format = "wav"
)

const (
	// MinCompressedBytes is the smallest MP3 worth handing to a decoder.
	MinCompressedBytes = 128
	// MinWAVBytes is a bare RIFF/WAVE header with a fmt and data chunk.
	MinWAVBytes = 44

	headerReadLimit = 4 * 1024
	syncScanWindow  = 1024
	entropyWindow   = 1024
)

// Signature names which header rule accepted a file.
type Signature string

const (
	SigNone          Signature = ""
	SigID3           Signature = "id3"
	SigFrameSync     Signature = "frame-sync"
	SigFrameSyncScan Signature = "frame-sync-scan"
	SigRIFFWave      Signature = "riff-wave"
	SigSniffed       Signature = "sniffed"
)

// ValidationResult reports what Validate learned about a file. FormatOK is
// only ever true when Exists, Readable and SizeBytes > 0 hold.
type ValidationResult struct {
	Path       string    `json:"path"`
	Exists     bool      `json:"exists"`
	Readable   bool      `json:"readable"`
	SizeBytes  int64     `json:"sizeBytes"`
	FormatOK   bool      `json:"formatOk"`
	Signature  Signature `json:"signature,omitempty"`
	LowEntropy bool      `json:"lowEntropy,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

func (r ValidationResult) OK() bool { return r.FormatOK }

// Validate inspects path without loading more than the first 4 KiB. When
// format is FormatAny only existence, readability and size are checked.
func Validate(path string, format Format) ValidationResult {
	res := ValidationResult{Path: path}

	info, err := os.Stat(path)
	if err != nil {
		res.Reason = "file does not exist"
		return res
	}
	if info.IsDir() {
		res.Reason = "path is a directory"
		return res
	}
	res.Exists = true
	res.SizeBytes = info.Size()

	f, err := os.Open(path)
	if err != nil {
		res.Reason = "file is not readable: " + err.Error()
		return res
	}
	defer f.Close()
	res.Readable = true

	if res.SizeBytes == 0 {
		res.Reason = "file is empty"
		return res
	}

	switch format {
	case FormatAny:
		res.FormatOK = true
		return res
	case FormatMP3:
		if res.SizeBytes < MinCompressedBytes {
			res.Reason = "file too small to be valid compressed audio"
			return res
		}
	case FormatWAV:
		if res.SizeBytes < MinWAVBytes {
			res.Reason = "file too small to be valid WAV audio"
			return res
		}
	}

	head := make([]byte, headerReadLimit)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		res.Readable = false
		res.Reason = "failed to read header: " + err.Error()
		return res
	}
	head = head[:n]

	switch format {
	case FormatMP3:
		res.Signature = mp3Signature(head)
	case FormatWAV:
		res.Signature = wavSignature(head)
	}
	if res.Signature == SigNone {
		res.Reason = "no recognizable " + string(format) + " header"
		return res
	}
	res.FormatOK = true

	if lowEntropy(head) {
		res.LowEntropy = true
		logger.WarnCF("audio", "Audio header has very few distinct byte values, may be silent or corrupt", map[string]any{
			"path": path,
			"size": res.SizeBytes,
		})
	}
	return res
}

func mp3Signature(head []byte) Signature {
	if bytes.HasPrefix(head, []byte("ID3")) {
		return SigID3
	}
	if isFrameSync(head, 0) {
		return SigFrameSync
	}
	limit := min(len(head), syncScanWindow)
	for i := 1; i < limit-1; i++ {
		if isFrameSync(head, i) {
			return SigFrameSyncScan
		}
	}
	return SigNone
}

// isFrameSync reports an MPEG frame header at off: 0xFF followed by a byte
// with its top three bits set.
func isFrameSync(b []byte, off int) bool {
	return off+1 < len(b) && b[off] == 0xFF && b[off+1]&0xE0 == 0xE0
}

func wavSignature(head []byte) Signature {
	if len(head) >= 12 && bytes.Equal(head[0:4], []byte("RIFF")) && bytes.Equal(head[8:12], []byte("WAVE")) {
		return SigRIFFWave
	}
	if filetype.Is(head, "wav") {
		return SigSniffed
	}
	return SigNone
}

// lowEntropy flags a 1 KiB window in which fewer than 10% of the bytes are
// distinct values.
func lowEntropy(head []byte) bool {
	window := head[:min(len(head), entropyWindow)]
	if len(window) == 0 {
		return false
	}
	var seen [256]bool
	unique := 0
	for _, b := range window {
		if !seen[b] {
			seen[b] = true
			unique++
		}
	}
	return unique*10 < len(window)
}

// DetectMIME sniffs the MIME type of an audio file from its header. It
// returns fallback when the type cannot be determined.
func DetectMIME(path, fallback string) string {
	f, err := os.Open(path)
	if err != nil {
		return fallback
	}
	defer f.Close()

	head := make([]byte, 261)
	n, _ := io.ReadFull(f, head)
	kind, err := filetype.Match(head[:n])
	if err != nil || kind == filetype.Unknown {
		if mp3Signature(head[:n]) != SigNone {
			return "audio/mpeg"
		}
		return fallback
	}
	return kind.MIME.Value
}
