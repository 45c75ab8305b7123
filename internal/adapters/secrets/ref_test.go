package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelativePath(t *testing.T) {
	t.Parallel()

	got, err := RelativePath("enrollctl://identity/alice/credential")
	require.NoError(t, err)
	assert.Equal(t, "identity/alice/credential", got)

	got, err = RelativePath("identity/bob/./credential")
	require.NoError(t, err)
	assert.Equal(t, "identity/bob/credential", got)

	testCases := []struct {
		name    string
		key     string
		wantErr string
	}{
		{name: "empty", key: "", wantErr: "secret key is empty"},
		{name: "whitespace", key: "   ", wantErr: "secret key is empty"},
		{name: "absolute", key: "/absolute/path", wantErr: "invalid secret key"},
		{name: "traversal", key: "enrollctl://../escape", wantErr: "invalid secret key"},
		{name: "deep traversal", key: "identity/../../secret", wantErr: "invalid secret key"},
		{name: "foreign scheme", key: "vault://identity/alice", wantErr: "invalid secret key"},
		{name: "scheme only", key: "enrollctl://", wantErr: "invalid secret key"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := RelativePath(tc.key)
			require.Error(t, err)
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}
