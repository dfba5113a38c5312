package replay

import "errors"

// Error implements errors unique to the replay buffer.
type Error struct {
	Op  string
	Err error
}

// Error satisfies the error interface
func (e *Error) Error() string {
	return e.Op + ": " + e.Err.Error()
}

var errEmptyBuffer = errors.New("buffer empty")

var errInsufficientEpisodes = errors.New("minimum episode count not yet reached")

var errShortEpisodes = errors.New("no stored episode long enough to sample")

var errBufferClosed = errors.New("buffer closed")

// IsInsufficientEpisodes returns whether or not an error reports that
// the buffer holds fewer completed episodes than the configured
// minimum.
func IsInsufficientEpisodes(err error) bool {
	var replayErr *Error
	if errors.As(err, &replayErr) {
		err = replayErr.Err
	}
	return err == errInsufficientEpisodes
}

// IsEmptyBuffer returns whether or not an error reports that the
// replay buffer is empty.
func IsEmptyBuffer(err error) bool {
	var replayErr *Error
	if errors.As(err, &replayErr) {
		err = replayErr.Err
	}
	return err == errEmptyBuffer
}

// IsShortEpisodes returns whether or not an error reports that no
// stored episode spans a full sample sequence.
func IsShortEpisodes(err error) bool {
	var replayErr *Error
	if errors.As(err, &replayErr) {
		err = replayErr.Err
	}
	return err == errShortEpisodes
}

// IsClosedBuffer returns whether or not an error reports that the
// replay buffer actor has been stopped.
func IsClosedBuffer(err error) bool {
	var replayErr *Error
	if errors.As(err, &replayErr) {
		err = replayErr.Err
	}
	return err == errBufferClosed
}
