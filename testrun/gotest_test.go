package testrun

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseTestJSON(t *testing.T) {
	stream := strings.Join([]string{
		`{"Action":"run","Package":"pkg/foo","Test":"TestA"}`,
		`{"Action":"output","Package":"pkg/foo","Test":"TestA","Output":"=== RUN TestA\n"}`,
		`{"Action":"pass","Package":"pkg/foo","Test":"TestA"}`,
		`{"Action":"run","Package":"pkg/foo","Test":"TestB"}`,
		`{"Action":"fail","Package":"pkg/foo","Test":"TestB"}`,
		`{"Action":"fail","Package":"pkg/foo"}`,
	}, "\n")

	out, err := parseTestJSON(strings.NewReader(stream))
	require.NoError(t, err)
	require.Len(t, out.Results, 2)
	require.Empty(t, out.CollectionErrors)

	byID := map[string]TestResult{}
	for _, r := range out.Results {
		byID[r.ID] = r
	}
	require.Equal(t, StatusPass, byID["pkg/foo.TestA"].Status)
	require.Equal(t, StatusFail, byID["pkg/foo.TestB"].Status)
}

func TestParseTestJSONCollectionError(t *testing.T) {
	stream := strings.Join([]string{
		`{"Action":"output","Package":"pkg/broken","Output":"# pkg/broken\n"}`,
		`{"Action":"output","Package":"pkg/broken","Output":"pkg/broken/foo.go:3:1: syntax error\n"}`,
		`{"Action":"output","Package":"pkg/broken","Output":"FAIL\tpkg/broken [build failed]\n"}`,
		`{"Action":"fail","Package":"pkg/broken"}`,
	}, "\n")

	out, err := parseTestJSON(strings.NewReader(stream))
	require.NoError(t, err)
	require.Empty(t, out.Results)
	require.Len(t, out.CollectionErrors, 1)
	require.Equal(t, "pkg/broken", out.CollectionErrors[0].Package)
	require.Contains(t, out.CollectionErrors[0].Output, "build failed")
}
