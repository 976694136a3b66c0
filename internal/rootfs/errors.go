package rootfs

import "errors"

var (
	ErrCompose = errors.New("compose error")
	ErrDriver  = errors.New("unknown rootfs driver")
)
