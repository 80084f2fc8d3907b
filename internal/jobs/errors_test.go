package jobs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/BTreeMap/TaskPipe/internal/models"
)

func TestClassifyExplicitMarkers(t *testing.T) {
	assert.Equal(t, models.ErrorKindTransient, ClassifyError(Transientf("connection reset"), nil))
	assert.Equal(t, models.ErrorKindPermanent, ClassifyError(Permanentf("malformed payload"), nil))
}

func TestClassifyWrappedMarkers(t *testing.T) {
	err := fmt.Errorf("failed to deliver: %w", Permanent(errors.New("recipient rejected")))
	assert.Equal(t, models.ErrorKindPermanent, ClassifyError(err, nil))

	err = fmt.Errorf("failed to fetch: %w", Transient(errors.New("timeout")))
	assert.Equal(t, models.ErrorKindTransient, ClassifyError(err, nil))
}

func TestClassifyDeadlineExceeded(t *testing.T) {
	err := fmt.Errorf("handler aborted: %w", context.DeadlineExceeded)
	assert.Equal(t, models.ErrorKindTransient, ClassifyError(err, nil))
}

func TestClassifyCustomClassifier(t *testing.T) {
	sentinel := errors.New("quota exceeded")
	classify := func(err error) models.ErrorKind {
		if errors.Is(err, sentinel) {
			return models.ErrorKindPermanent
		}
		return models.ErrorKindTransient
	}
	assert.Equal(t, models.ErrorKindPermanent, ClassifyError(sentinel, classify))
	assert.Equal(t, models.ErrorKindTransient, ClassifyError(errors.New("other"), classify))
}

func TestClassifyDefaultsToTransient(t *testing.T) {
	assert.Equal(t, models.ErrorKindTransient, ClassifyError(errors.New("unmarked"), nil))
}

func TestMarkersPreserveCause(t *testing.T) {
	cause := errors.New("boom")
	assert.ErrorIs(t, Transient(cause), cause)
	assert.ErrorIs(t, Permanent(cause), cause)
	assert.Nil(t, Transient(nil))
	assert.Nil(t, Permanent(nil))
}
