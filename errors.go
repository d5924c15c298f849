package circle

import "errors"

var (
	// ErrAuthRejected means the channel connect was refused because the
	// identity token is invalid or expired. The caller must re-authenticate;
	// retrying with the same token will not succeed.
	ErrAuthRejected = errors.New("circle: authentication rejected")

	// ErrNotConnected means an emit was attempted with no live connection.
	// Nothing is queued; the caller decides on a fallback.
	ErrNotConnected = errors.New("circle: not connected")

	// ErrUploadFailed means the media-storage collaborator rejected an
	// upload. The send is aborted before any realtime event is emitted.
	ErrUploadFailed = errors.New("circle: media upload failed")

	// ErrEmptyMessage means a send carried neither content nor media.
	ErrEmptyMessage = errors.New("circle: message needs content or media")
)
