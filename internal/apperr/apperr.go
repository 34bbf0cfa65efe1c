package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can decide how far it propagates.
//
// Network failures are retried where they happen. Playlist, Fragment, Storage,
// QualityNotFound and Extraction failures abort a single playlist, quality or
// asset. Configuration failures are fatal at startup.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindPlaylist
	KindFragment
	KindQualityNotFound
	KindStorage
	KindConfiguration
	KindExtraction
	KindProcessing
)

var kindNames = map[Kind]string{
	KindUnknown:         "unknown",
	KindNetwork:         "network",
	KindPlaylist:        "playlist",
	KindFragment:        "fragment",
	KindQualityNotFound: "quality not found",
	KindStorage:         "storage",
	KindConfiguration:   "configuration",
	KindExtraction:      "extraction",
	KindProcessing:      "processing",
}

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the typed error returned across component boundaries.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same Kind. This lets
// callers write errors.Is(err, &apperr.Error{Kind: apperr.KindStorage}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

func newError(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Network wraps a transient transport failure.
func Network(op string, err error) error { return newError(KindNetwork, op, err) }

// Playlist wraps a malformed or unusable playlist.
func Playlist(op string, err error) error { return newError(KindPlaylist, op, err) }

// Fragment wraps a retry-exhausted fetch or a combine threshold failure.
func Fragment(op string, err error) error { return newError(KindFragment, op, err) }

// QualityNotFound reports that no variant survived filtering.
func QualityNotFound(op string, err error) error { return newError(KindQualityNotFound, op, err) }

// Storage wraps a checksum mismatch or filesystem failure.
func Storage(op string, err error) error { return newError(KindStorage, op, err) }

// Configuration wraps invalid settings.
func Configuration(op string, err error) error { return newError(KindConfiguration, op, err) }

// Extraction wraps a failure of the asset extractor.
func Extraction(op string, err error) error { return newError(KindExtraction, op, err) }

// Processing wraps orchestration failures such as a failed health gate.
func Processing(op string, err error) error { return newError(KindProcessing, op, err) }

// KindOf returns the Kind of the outermost *Error in err's chain, or
// KindUnknown when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given Kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}
