package placement

import "errors"

var (
	ErrInvalidCfg       = errors.New("placement: invalid configuration")
	ErrUnknownMachine   = errors.New("placement: unknown machine")
	ErrInvalidMeta      = errors.New("placement: malformed machine metadata")
	ErrUnsupported      = errors.New("placement: topology not supported on this platform")
	ErrMembershipClosed = errors.New("placement: membership is shut down")
)
