package querycli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildQuery_RejectsCombinedReadAndWritePredicates(t *testing.T) {
	opts := &QueryOptions{
		RootOptions: &RootOptions{},
		WPath:       "eq:/tmp/out",
		RPath:       "eq:/etc/hosts",
	}
	_, err := buildQuery(opts)
	assert.Error(t, err, "expected error combining written-file and read-file predicates")
}

func TestBuildQuery_HistoryBecomesLimit(t *testing.T) {
	opts := &QueryOptions{RootOptions: &RootOptions{}, History: 7}
	q, err := buildQuery(opts)
	require.NoError(t, err)
	assert.Equal(t, 7, q.Limit)
}

func TestBuildQuery_NoPredicatesIsValid(t *testing.T) {
	opts := &QueryOptions{RootOptions: &RootOptions{}}
	q, err := buildQuery(opts)
	require.NoError(t, err)
	assert.Empty(t, q.Predicates)
}

func TestBuildQuery_WrittenFilePredicateSetsNeedsWrite(t *testing.T) {
	opts := &QueryOptions{RootOptions: &RootOptions{}, WName: "eq:out.bin"}
	q, err := buildQuery(opts)
	require.NoError(t, err)
	assert.True(t, q.NeedsWrite)
	assert.Len(t, q.Predicates, 1)
}
