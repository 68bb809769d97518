package him

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/him/blobstore"
	"github.com/hupe1980/him/catalog"
)

func TestTranslateError(t *testing.T) {
	lostRace := fmt.Errorf("remote: %w", catalog.ErrConflict)
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"missing row", catalog.ErrNotFound, ErrNotFound},
		{"duplicate", catalog.ErrExists, ErrConflict},
		{"lost race", lostRace, ErrConflict},
		{"classified", ErrCapacity, ErrCapacity},
		{"missing payload", blobstore.ErrNotFound, ErrStorageIO},
		{"other", errors.New("disk on fire"), ErrStorageIO},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, translateError("op", "id", tt.err), tt.want)
		})
	}

	assert.ErrorIs(t, translateError("op", "id", lostRace), catalog.ErrConflict, "cause is kept")
	assert.NoError(t, translateError("op", "id", nil))
}
