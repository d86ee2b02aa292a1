package detector

import (
	"errors"
	"fmt"
)

// Label is the binary verdict of an outlier model, following the
// isolation scorer convention of -1 for outliers and 1 for inliers.
type Label int

const (
	Anomaly Label = -1
	Normal  Label = 1
)

const (
	StatusSuspectedFraud = "Suspected Fraud"
	StatusNormal         = "Normal Transaction"
)

// ErrInvalidLabel is returned for label values other than Anomaly and Normal.
var ErrInvalidLabel = errors.New("invalid label")

// StatusOf maps a label to its human readable status.
func StatusOf(l Label) (string, error) {
	switch l {
	case Anomaly:
		return StatusSuspectedFraud, nil
	case Normal:
		return StatusNormal, nil
	default:
		return "", fmt.Errorf("%w: %d", ErrInvalidLabel, int(l))
	}
}

func (l Label) String() string {
	s, err := StatusOf(l)
	if err != nil {
		return fmt.Sprintf("Label(%d)", int(l))
	}
	return s
}
