package queue

import "errors"

var (
	// ErrGroupInactive is returned when an entry is admitted into an inactive group
	ErrGroupInactive = errors.New("group is inactive")

	// ErrInvalidStatus is returned for unknown group status values
	ErrInvalidStatus = errors.New("invalid group status")

	// ErrGroupNotFound is returned when a group id is unknown
	ErrGroupNotFound = errors.New("group not found")

	// ErrMessageNotFound is returned when a message id is unknown
	ErrMessageNotFound = errors.New("message not found")
)
