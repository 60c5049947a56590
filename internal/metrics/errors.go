package metrics

import "codeberg.org/mutker/droidmon/internal/errors"

const (
	ErrParse       = errors.ErrParse
	ErrUnknownKind = errors.ErrorCode("metrics_unknown_kind")
)

// parseFailure is attached to every ErrParse so logs show which kind failed and why.
type parseFailure struct {
	Kind   Kind
	Reason string
}

func parseError(kind Kind, reason string) error {
	return errors.New().WithData(ErrParse, parseFailure{Kind: kind, Reason: reason})
}
