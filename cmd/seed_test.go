package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitSubject(t *testing.T) {
	t.Parallel()

	id, handle := splitSubject("did:plc:abc123")
	require.Equal(t, "did:plc:abc123", id)
	require.Empty(t, handle)

	id, handle = splitSubject("alice.bsky.social")
	require.Equal(t, "alice.bsky.social", id)
	require.Equal(t, "alice.bsky.social", handle)
}

func TestReadSubjectsSkipsBlanksAndComments(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "seeds.txt")
	content := "# starter accounts\nalice.bsky.social\n\n  did:plc:abc123  \n# trailing note\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	subjects, err := readSubjects(path)
	require.NoError(t, err)
	require.Equal(t, []string{"alice.bsky.social", "did:plc:abc123"}, subjects)
}

func TestReadSubjectsMissingFile(t *testing.T) {
	t.Parallel()

	_, err := readSubjects(filepath.Join(t.TempDir(), "nope.txt"))
	require.Error(t, err)
}
