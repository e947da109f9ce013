package secret

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"librevault-go/internal/lverrors"
)

func TestDowngradeChain(t *testing.T) {
	owner, err := NewOwner()
	require.NoError(t, err)
	require.Equal(t, LevelOwner, owner.Level())

	rw, err := owner.Downgrade(LevelReadWrite)
	require.NoError(t, err)
	require.True(t, rw.Level().CanSign())

	ro, err := rw.Downgrade(LevelReadOnly)
	require.NoError(t, err)
	require.False(t, ro.Level().CanSign())

	dl, err := ro.Downgrade(LevelDownload)
	require.NoError(t, err)
	require.False(t, dl.Level().CanSign())

	_, err = dl.Downgrade(LevelOwner)
	require.Error(t, err)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	owner, err := NewOwner()
	require.NoError(t, err)

	msg := []byte("hello")
	sig, err := owner.Sign(msg)
	require.NoError(t, err)
	require.True(t, owner.Verify(msg, sig))

	ro, err := owner.Downgrade(LevelReadOnly)
	require.NoError(t, err)
	require.True(t, ro.Verify(msg, sig))

	_, err = ro.Sign(msg)
	require.True(t, errors.Is(err, lverrors.ErrInsufficientPrivilege))
}

func TestDeriveFolderIDStableAcrossDowngrade(t *testing.T) {
	owner, err := NewOwner()
	require.NoError(t, err)
	rw, err := owner.Downgrade(LevelReadWrite)
	require.NoError(t, err)

	idOwner, err := owner.DeriveFolderID()
	require.NoError(t, err)
	idRW, err := rw.DeriveFolderID()
	require.NoError(t, err)
	require.Equal(t, idOwner, idRW)
}

func TestStringParseRoundTrip(t *testing.T) {
	owner, err := NewOwner()
	require.NoError(t, err)
	s := owner.String()

	parsed, err := Parse(s)
	require.NoError(t, err)
	require.Equal(t, owner.Level(), parsed.Level())
	require.Equal(t, owner.PublicKey(), parsed.PublicKey())

	msg := []byte("round trip")
	sig, err := owner.Sign(msg)
	require.NoError(t, err)
	require.True(t, parsed.Verify(msg, sig))
}
