package pipeline

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransientClassification(t *testing.T) {
	t.Parallel()

	base := errors.New("connection reset")
	err := Transient(base)
	require.True(t, IsTransient(err))
	require.False(t, IsPermanent(err))
	require.ErrorIs(t, err, base)

	wrapped := fmt.Errorf("collect follows: %w", err)
	require.True(t, IsTransient(wrapped), "classification survives wrapping")

	require.True(t, IsTransient(Transientf("interception miss on %s", "did:plc:abc")))
	require.NoError(t, Transient(nil))
}

func TestPermanentClassification(t *testing.T) {
	t.Parallel()

	err := Permanentf("account %s deactivated", "did:plc:abc")
	require.True(t, IsPermanent(err))
	require.False(t, IsTransient(err))
	require.NoError(t, Permanent(nil))
}

func TestFatalAuthErrorCarriesAttempts(t *testing.T) {
	t.Parallel()

	cause := errors.New("probe rejected")
	var err error = &FatalAuthError{Attempts: 3, Err: cause}

	var fatal *FatalAuthError
	require.ErrorAs(t, fmt.Errorf("pipeline halted: %w", err), &fatal)
	require.Equal(t, 3, fatal.Attempts)
	require.ErrorIs(t, err, cause)
}

func TestSentinelErrorsAreDistinct(t *testing.T) {
	t.Parallel()

	require.NotErrorIs(t, ErrConflict, ErrSessionInvalid)
	require.False(t, IsTransient(ErrSessionInvalid), "session loss is charged to nobody")
}
