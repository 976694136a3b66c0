package layer

import "errors"

var (
	ErrStore        = errors.New("layer store error")
	ErrLayerInUse   = errors.New("layer is referenced")
	ErrInvalidImage = errors.New("invalid image")
)
