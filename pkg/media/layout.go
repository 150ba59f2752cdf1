// Package media owns the on-disk layout of speech artifacts and their
// hand-off encoding.
package media

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/sipeed/picoavatar/pkg/logger"
)

const (
	ExtCompressed   = ".mp3"
	ExtUncompressed = ".wav"
	ExtTrack        = ".json"
)

// Paths are the three files that make up one artifact. They share a base
// name and differ only by extension.
type Paths struct {
	Base         string
	Compressed   string
	Uncompressed string
	Track        string
}

// Layout places artifacts under Dir.
type Layout struct {
	Dir string
}

func (l Layout) Paths(base string) Paths {
	stem := filepath.Join(l.Dir, base)
	return Paths{
		Base:         base,
		Compressed:   stem + ExtCompressed,
		Uncompressed: stem + ExtUncompressed,
		Track:        stem + ExtTrack,
	}
}

func MessageBase(index int) string { return fmt.Sprintf("message_%d", index) }

// GreetingBase names a cached artifact such as intro_0 or api_1.
func GreetingBase(name string) string {
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, "..", "")
	return strings.TrimSuffix(name, filepath.Ext(name))
}

func (l Layout) Ensure() error {
	if l.Dir == "" {
		return fmt.Errorf("media layout: empty directory")
	}
	return os.MkdirAll(l.Dir, 0o755)
}

// Scope returns a fresh sub-layout for one request so concurrent requests
// never share message_<i> files.
func (l Layout) Scope() Layout {
	return Layout{Dir: filepath.Join(l.Dir, "req-"+uuid.New().String()[:8])}
}

// Release deletes a scoped layout created by Scope. File-not-exist errors
// are ignored.
func (l Layout) Release(parent Layout) error {
	rel, err := filepath.Rel(parent.Dir, l.Dir)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || !strings.HasPrefix(filepath.Base(l.Dir), "req-") {
		return fmt.Errorf("media layout: %s is not a request scope of %s", l.Dir, parent.Dir)
	}
	if err := os.RemoveAll(l.Dir); err != nil && !os.IsNotExist(err) {
		logger.WarnCF("media", "Failed to release request scope", map[string]any{
			"dir":   l.Dir,
			"error": err,
		})
		return err
	}
	return nil
}
