package poller

import "codeberg.org/mutker/bmcctl/internal/errors"

const (
	ErrNoFanInfo = errors.ErrNoFanInfo
)
