package infra

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithSearchPathKeepsExistingParams(t *testing.T) {
	got, err := withSearchPath("postgres://postgres@127.0.0.1:5432/postgres?sslmode=disable", "stress_run_1")
	require.NoError(t, err)

	u, err := url.Parse(got)
	require.NoError(t, err)
	require.Equal(t, "stress_run_1", u.Query().Get("search_path"))
	require.Equal(t, "disable", u.Query().Get("sslmode"))
	require.Equal(t, "/postgres", u.Path)
}
