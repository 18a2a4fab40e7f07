// Package storage uploads audio and contract objects and returns the URL they
// are reachable at. Keys are generated here so that every upload is unique.
package storage

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Uploader stores bytes under key and returns the public URL.
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// ErrNotAudio is returned when uploaded bytes do not look like audio.
var ErrNotAudio = errors.New("storage: not an audio file")

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewULID returns a lowercase, time-ordered identifier.
func NewULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return strings.ToLower(ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String())
}

// AudioKey names an uploaded recording: audio-<uuid>-<unixms><ext>.
func AudioKey(ext string, now time.Time) string {
	return fmt.Sprintf("audio-%s-%d%s", uuid.NewString(), now.UnixMilli(), ext)
}

var slugRE = regexp.MustCompile(`[^a-z0-9]+`)

// Slug lowercases s and joins its alphanumeric runs with dashes.
func Slug(s string) string {
	out := strings.Trim(slugRE.ReplaceAllString(strings.ToLower(s), "-"), "-")
	if len(out) > 60 {
		out = strings.TrimRight(out[:60], "-")
	}
	if out == "" {
		return "contract"
	}
	return out
}

// ContractKey names a rendered contract: contracts/<slug>-<ulid>.docx.
func ContractKey(title string) string {
	return fmt.Sprintf("contracts/%s-%s.docx", Slug(title), NewULID())
}

// DetectAudio sniffs data and returns its MIME type and file extension.
// WebM and Matroska recordings sniff as video and are accepted.
func DetectAudio(data []byte) (contentType, ext string, err error) {
	mt := mimetype.Detect(data)
	for m := mt; m != nil; m = m.Parent() {
		if strings.HasPrefix(m.String(), "audio/") || m.Is("video/webm") || m.Is("video/x-matroska") {
			ct := mt.String()
			if i := strings.IndexByte(ct, ';'); i >= 0 {
				ct = ct[:i]
			}
			return ct, mt.Extension(), nil
		}
	}
	return "", "", fmt.Errorf("%w: %s", ErrNotAudio, mt.String())
}
