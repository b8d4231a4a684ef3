// Package media holds the value types shared by the downloader, the analysis
// cache, the renderer and the coordinator.
package media

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// VideoRef identifies a source video (an external video id or URL).
type VideoRef = string

// Video is a locally available source video. It is created once by the
// downloader when the video becomes ready and is never mutated afterwards.
type Video struct {
	ID       VideoRef
	FullPath string // full resolution derivative
	LitePath string // reduced resolution derivative used for previews
}

// Phoneme is a slice of one source video: [Start, End) seconds of the video
// at index VideoIndex in the project's video list.
type Phoneme struct {
	VideoIndex int     `json:"v"`
	Start      float64 `json:"s"`
	End        float64 `json:"e"`
}

// Duration returns the span length in seconds.
func (p Phoneme) Duration() float64 {
	return p.End - p.Start
}

// Combo is one phoneme-level interpretation of a sentence.
type Combo []Phoneme

// AnalysisResult lists the alternative combos for a sentence, best first.
type AnalysisResult []Combo

// ArtifactHash returns the content hash identifying a rendered artifact for
// the given video set and phoneme sequence.
func ArtifactHash(videoIDs []VideoRef, phonemes []Phoneme) string {
	var b strings.Builder
	for _, id := range videoIDs {
		b.WriteString(id)
		b.WriteByte(0x1f)
	}
	b.WriteByte(0x1e)
	for _, p := range phonemes {
		b.WriteString(strconv.Itoa(p.VideoIndex))
		b.WriteByte(':')
		b.WriteString(strconv.FormatFloat(p.Start, 'g', -1, 64))
		b.WriteByte(':')
		b.WriteString(strconv.FormatFloat(p.End, 'g', -1, 64))
		b.WriteByte(';')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// IDs returns the ids of videos in order.
func IDs(videos []Video) []VideoRef {
	ids := make([]VideoRef, len(videos))
	for i, v := range videos {
		ids[i] = v.ID
	}
	return ids
}
