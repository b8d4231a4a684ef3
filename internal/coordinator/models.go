package coordinator

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"sentencemix/internal/media"
)

// ClientID identifies a connected session. It doubles as the identity used
// for project membership.
type ClientID = string

// Segment is one line of a project. Its position in the project's segment
// list is its only identity.
type Segment struct {
	Sentence   string `json:"sentence"`
	ComboIndex uint   `json:"comboIndex"`
}

// Project is the shared document a group of clients edits.
type Project struct {
	Name      string           `json:"name"`
	Seed      string           `json:"seed"`
	VideoRefs []media.VideoRef `json:"videoRefs"`
	Segments  []Segment        `json:"segments,omitempty"`
}

// Clone returns a deep copy that shares nothing with p.
func (p Project) Clone() Project {
	out := p
	out.VideoRefs = append([]media.VideoRef(nil), p.VideoRefs...)
	if p.Segments != nil {
		out.Segments = append([]Segment(nil), p.Segments...)
	}
	return out
}

// Listing returns p without its segments.
func (p Project) Listing() Project {
	out := p.Clone()
	out.Segments = nil
	return out
}

// ProjectState is the in-memory record of a project and the clients editing
// it, in join order.
type ProjectState struct {
	Project Project
	Members []ClientID
}

func (s *ProjectState) hasMember(id ClientID) bool {
	for _, m := range s.Members {
		if m == id {
			return true
		}
	}
	return false
}

func (s *ProjectState) removeMember(id ClientID) bool {
	for i, m := range s.Members {
		if m == id {
			s.Members = append(s.Members[:i], s.Members[i+1:]...)
			return true
		}
	}
	return false
}

// SegmentsHash identifies a segment list: identical lists (same sentences
// and combo indexes, same order) hash the same, and differing lists differ.
func SegmentsHash(segments []Segment) string {
	var b strings.Builder
	for _, s := range segments {
		b.WriteString(strconv.Itoa(len(s.Sentence)))
		b.WriteByte(':')
		b.WriteString(s.Sentence)
		b.WriteByte(0x1f)
		b.WriteString(strconv.FormatUint(uint64(s.ComboIndex), 10))
		b.WriteByte(0x1e)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
