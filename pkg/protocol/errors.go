package protocol

import (
	"errors"

	"github.com/harunnryd/speechsdk/pkg/errorsx"
)

var (
	ErrFrameTooShort           = errors.New("frame shorter than header length prefix")
	ErrHeaderLengthOutOfRange  = errors.New("declared header length exceeds frame")
	ErrMissingHeaderTerminator = errors.New("header block has no blank-line terminator")
	ErrMalformedHeader         = errors.New("malformed header line")
	ErrMissingRequiredHeader   = errors.New("missing required header")
	ErrInvalidHeaderValue      = errors.New("header value contains a line break")
	ErrHeaderBlockTooLarge     = errors.New("header block exceeds 65535 bytes")
)

func violation(err error) error {
	return errorsx.Wrap(err, errorsx.ReasonProtocolViolation)
}
