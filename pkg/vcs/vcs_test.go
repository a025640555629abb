package vcs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetectHost(t *testing.T) {
	cases := []struct {
		url  string
		want string
	}{
		{"git@github.com:acme/widgets.git", "github"},
		{"https://github.com/acme/widgets.git", "github"},
		{"git@gitlab.com:acme/widgets.git", "gitlab"},
		{"https://gitlab.example.com/acme/widgets.git", "gitlab"},
		{"git@bitbucket.org:acme/widgets.git", ""},
	}
	for _, c := range cases {
		require.Equal(t, c.want, DetectHost(c.url), c.url)
	}
}

func TestPRNumberFromURL(t *testing.T) {
	n, err := prNumberFromURL("https://github.com/acme/widgets/pull/42")
	require.NoError(t, err)
	require.Equal(t, 42, n)

	_, err = prNumberFromURL("https://github.com/acme/widgets/pull/")
	require.Error(t, err)

	_, err = prNumberFromURL("not-a-url")
	require.Error(t, err)
}

func TestSplitOwnerRepo(t *testing.T) {
	owner, repo := splitOwnerRepo("acme/widgets")
	require.Equal(t, "acme", owner)
	require.Equal(t, "widgets", repo)

	owner, repo = splitOwnerRepo("malformed")
	require.Empty(t, owner)
	require.Empty(t, repo)
}

func TestLastNonEmptyLine(t *testing.T) {
	require.Equal(t, "https://gitlab.com/acme/widgets/-/merge_requests/9", lastNonEmptyLine("Creating MR...\n\nhttps://gitlab.com/acme/widgets/-/merge_requests/9\n"))
	require.Empty(t, lastNonEmptyLine("\n\n"))
}
