package lifecycle

import "errors"

// Sentinel for state-machine and supervision failures. Illegal
// transitions additionally satisfy errdefs.IsConflict; unknown container
// ids satisfy errdefs.IsNotFound.
var ErrLifecycle = errors.New("lifecycle error")
