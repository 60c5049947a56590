package threshold

import "codeberg.org/mutker/droidmon/internal/errors"

const ErrInvalidConfig = errors.ErrInvalidConfig
