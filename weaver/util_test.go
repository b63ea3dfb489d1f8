package weaver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheKey(t *testing.T) {
	t.Parallel()

	base := DefaultConfig()
	fpA := base.Fingerprint()
	data := fxScreenClass(t, "com/app/MainActivity")

	assert.Equal(t, cacheKey(fpA, data), cacheKey(fpA, data))
	assert.NotEmpty(t, cacheKey(fpA, data))

	other := fxScreenClass(t, "com/app/OtherActivity")
	assert.NotEqual(t, cacheKey(fpA, data), cacheKey(fpA, other))

	changed := DefaultConfig()
	changed.MaxParamsPerMethod = 3
	assert.NotEqual(t, cacheKey(fpA, data), cacheKey(changed.Fingerprint(), data))
}

func TestErrGroupLimitCPU(t *testing.T) {
	t.Parallel()

	group := ErrGroupLimitCPU()
	results := make(chan int, 8)
	for i := 0; i < 8; i++ {
		group.Go(func() error {
			results <- i
			return nil
		})
	}
	require.NoError(t, group.Wait())
	close(results)

	seen := make(map[int]bool)
	for v := range results {
		seen[v] = true
	}
	assert.Len(t, seen, 8)
}
