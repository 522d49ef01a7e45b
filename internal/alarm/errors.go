package alarm

import "github.com/pkg/errors"

var (
	// ErrNotFound reports a missing recipient, alarm or policy record.
	ErrNotFound = errors.New("not found")
	// ErrConnection reports a live stream that could not be established.
	ErrConnection = errors.New("connection error")
	// ErrInvalidReplayKey reports a malformed continuation token or one that
	// belongs to another recipient.
	ErrInvalidReplayKey = errors.New("invalid replay key")
	// ErrInvalidAlarmType reports an unknown alarm category.
	ErrInvalidAlarmType = errors.New("invalid alarm type")
)
