package coordinator

import "errors"

var (
	// ErrProjectDoesNotExist is returned for any operation naming an unknown
	// project.
	ErrProjectDoesNotExist = errors.New("project does not exist")

	// ErrProjectAlreadyExists is returned when creating or loading a project
	// under a taken name.
	ErrProjectAlreadyExists = errors.New("project already exists")

	// ErrSegmentOutOfBounds is returned when a position is outside the
	// operation's valid range.
	ErrSegmentOutOfBounds = errors.New("segment out of bounds")

	// ErrUserAlreadyJoinedProject is returned on a duplicate join.
	ErrUserAlreadyJoinedProject = errors.New("user already joined project")

	// ErrEmptyURLs is returned when a project is created without videos.
	ErrEmptyURLs = errors.New("project needs at least one video")

	// ErrBadRequest is returned for messages that cannot be decoded.
	ErrBadRequest = errors.New("bad request")
)

// Code returns the stable wire code for err.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrProjectDoesNotExist):
		return "ProjectDoesNotExist"
	case errors.Is(err, ErrProjectAlreadyExists):
		return "ProjectAlreadyExists"
	case errors.Is(err, ErrSegmentOutOfBounds):
		return "SegmentOutOfBounds"
	case errors.Is(err, ErrUserAlreadyJoinedProject):
		return "UserAlreadyJoinedProject"
	case errors.Is(err, ErrEmptyURLs):
		return "EmptyUrls"
	case errors.Is(err, ErrBadRequest):
		return "BadRequest"
	default:
		return "Internal"
	}
}
