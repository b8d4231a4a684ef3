package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"sentencemix/internal/media"
	"sentencemix/internal/platform/executil"
)

// AmbiguityError reports the word of a sentence the engine could not map to
// a unique phoneme sequence.
type AmbiguityError struct {
	Word string `json:"word"`
}

func (e *AmbiguityError) Error() string {
	return fmt.Sprintf("%q is ambiguous", e.Word)
}

// Engine turns a sentence into phoneme combo alternatives for a set of videos.
// An ambiguous sentence yields an *AmbiguityError.
type Engine interface {
	Analyze(ctx context.Context, sentence, seed string, videoIDs []media.VideoRef) (media.AnalysisResult, error)
}

// ProcessEngine runs the external analysis program once per call with the
// arguments (sentence, seed, videoID...).
type ProcessEngine struct {
	command string
	exec    executil.Executor
}

// NewProcessEngine returns an engine invoking command through exec. A nil
// exec runs real processes.
func NewProcessEngine(command string, exec executil.Executor) (*ProcessEngine, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, errors.New("analysis command required")
	}
	if exec == nil {
		exec = executil.RealExecutor{}
	}
	return &ProcessEngine{command: command, exec: exec}, nil
}

// Analyze implements Engine.
func (e *ProcessEngine) Analyze(ctx context.Context, sentence, seed string, videoIDs []media.VideoRef) (media.AnalysisResult, error) {
	args := make([]string, 0, len(videoIDs)+2)
	args = append(args, sentence, seed)
	args = append(args, videoIDs...)

	out, err := e.exec.Output(ctx, e.command, args...)
	if err != nil {
		return nil, fmt.Errorf("analysis engine: %w", err)
	}
	return ParseOutput(out)
}

// ParseOutput decodes the engine's stdout: a JSON array of combos, or a JSON
// object naming the ambiguous word.
func ParseOutput(out []byte) (media.AnalysisResult, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return nil, errors.New("analysis engine: empty output")
	}

	switch trimmed[0] {
	case '[':
		var result media.AnalysisResult
		if err := json.Unmarshal(trimmed, &result); err != nil {
			return nil, fmt.Errorf("analysis engine: parse combos: %w", err)
		}
		return result, nil
	case '{':
		var amb AmbiguityError
		if err := json.Unmarshal(trimmed, &amb); err != nil {
			return nil, fmt.Errorf("analysis engine: parse ambiguity: %w", err)
		}
		if amb.Word == "" {
			return nil, fmt.Errorf("analysis engine: unexpected object %s", truncate(trimmed))
		}
		return nil, &amb
	default:
		return nil, fmt.Errorf("analysis engine: unexpected output %s", truncate(trimmed))
	}
}

func truncate(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
