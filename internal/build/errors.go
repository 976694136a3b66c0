package build

import "errors"

var (
	ErrBuild         = errors.New("build failed")
	ErrRecipe        = errors.New("invalid recipe")
	ErrCommandFailed = errors.New("command failed")
	ErrCopy          = errors.New("copy failed")
)
