//go:build gocv

package registration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCVWarperMatchesGridWarper(t *testing.T) {
	src := blob(24, 10, 12, 3, 2)
	tr := Translation(2, -1)

	want, err := GridWarper{}.Apply(context.Background(), src, 24, 24, tr, Linear)
	require.NoError(t, err)
	got, err := CVWarper{}.Apply(context.Background(), src, 24, 24, tr, Linear)
	require.NoError(t, err)

	for i := range want.Data {
		assert.InDelta(t, want.Data[i], got.Data[i], 1e-3, "pixel %d", i)
	}
}
