package tabular

import (
	"os"
	"path/filepath"
	"testing"

	"godiffex/domain/core"
	"godiffex/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReadCountsCSV(t *testing.T) {
	path := writeTemp(t, "counts.csv",
		"gene,s1,s2,s3\n"+
			"geneA,100,110,10\n"+
			"geneB,0,5,7\n")

	m, err := NewDataReader().ReadCounts(path)
	require.NoError(t, err)
	assert.Equal(t, 2, m.GeneCount())
	assert.Equal(t, []core.SampleKey{"s1", "s2", "s3"}, m.SampleKeys)
	assert.Equal(t, []core.GeneKey{"geneA", "geneB"}, m.GeneKeys)
	assert.Equal(t, []int64{100, 110, 10}, m.Row(0))
	assert.Equal(t, []int64{0, 5, 7}, m.Row(1))
}

func TestReadCountsTSV(t *testing.T) {
	path := writeTemp(t, "counts.tsv",
		"gene\ts1\ts2\n"+
			"geneA\t3\t4\n")

	m, err := NewDataReader().ReadCounts(path)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4}, m.Row(0))
}

func TestReadCountsTrimsWhitespace(t *testing.T) {
	path := writeTemp(t, "counts.csv",
		"gene, s1 , s2\n"+
			" geneA , 3 , 4 \n")

	m, err := NewDataReader().ReadCounts(path)
	require.NoError(t, err)
	assert.Equal(t, core.SampleKey("s1"), m.SampleKeys[0])
	assert.Equal(t, core.GeneKey("geneA"), m.GeneKeys[0])
	assert.Equal(t, []int64{3, 4}, m.Row(0))
}

func TestReadCountsErrors(t *testing.T) {
	r := NewDataReader()

	cases := []struct {
		name    string
		content string
	}{
		{"header only", "gene,s1,s2\n"},
		{"no sample columns", "gene\ngeneA\n"},
		{"non-integer count", "gene,s1\ngeneA,abc\n"},
		{"fractional count", "gene,s1\ngeneA,1.5\n"},
		{"negative count", "gene,s1\ngeneA,-3\n"},
		{"duplicate gene", "gene,s1\ngeneA,1\ngeneA,2\n"},
		{"duplicate sample", "gene,s1,s1\ngeneA,1,2\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.ReadCounts(writeTemp(t, "bad.csv", tc.content))
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, errors.CodeReaderError), "got code %s", errors.GetCode(err))
		})
	}

	t.Run("missing file", func(t *testing.T) {
		_, err := r.ReadCounts(filepath.Join(t.TempDir(), "absent.csv"))
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.CodeReaderError))
	})
	t.Run("unsupported extension", func(t *testing.T) {
		_, err := r.ReadCounts(writeTemp(t, "counts.json", "{}"))
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.CodeReaderError))
	})
}

func TestReadMetadataCSV(t *testing.T) {
	path := writeTemp(t, "samples.csv",
		"sample,condition,batch\n"+
			"s1,treated,b1\n"+
			"s2,treated,b2\n"+
			"s3,control,b1\n")

	md, err := NewDataReader().ReadMetadata(path, "condition", []string{"batch"})
	require.NoError(t, err)
	require.Len(t, md.Samples, 3)
	assert.Equal(t, core.SampleKey("s1"), md.Samples[0].Key)
	assert.Equal(t, "treated", md.Samples[0].Condition)
	assert.Equal(t, "b2", md.Samples[1].Covariates["batch"])
	assert.Equal(t, []string{"control", "treated"}, md.Levels())
}

func TestReadMetadataErrors(t *testing.T) {
	r := NewDataReader()

	t.Run("missing condition column", func(t *testing.T) {
		path := writeTemp(t, "samples.csv", "sample,group\ns1,treated\n")
		_, err := r.ReadMetadata(path, "condition", nil)
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.CodeReaderError))
	})
	t.Run("missing covariate column", func(t *testing.T) {
		path := writeTemp(t, "samples.csv", "sample,condition\ns1,treated\n")
		_, err := r.ReadMetadata(path, "condition", []string{"batch"})
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.CodeReaderError))
	})
	t.Run("empty condition", func(t *testing.T) {
		path := writeTemp(t, "samples.csv", "sample,condition\ns1,treated\ns2,\n")
		_, err := r.ReadMetadata(path, "condition", nil)
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.CodeReaderError))
	})
	t.Run("duplicate sample", func(t *testing.T) {
		path := writeTemp(t, "samples.csv", "sample,condition\ns1,treated\ns1,control\n")
		_, err := r.ReadMetadata(path, "condition", nil)
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.CodeReaderError))
	})
}
