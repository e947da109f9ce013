package meta

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"librevault-go/internal/lverrors"
	"librevault-go/internal/secret"
)

func sampleMeta() Meta {
	m := Meta{
		Kind:             KindFile,
		Revision:         12345,
		HasUnixAttrib:    true,
		UnixAttrib:       0o644,
		Mtime:            999,
		StrongHashType:   StrongHashSHA256,
		PathCT:           []byte("ciphertext-path"),
	}
	m.PathHash[0] = 0xAB
	m.Chunks = []FileChunk{{Size: 128}}
	m.Chunks[0].CtHash[0] = 0x01
	m.Chunks[0].PtHashHMAC[0] = 0x02
	return m
}

func TestCodecRoundTrip(t *testing.T) {
	m := sampleMeta()
	b := Encode(m)
	got, err := Decode(b)
	require.NoError(t, err)
	require.Equal(t, m, got)

	b2 := Encode(got)
	require.Equal(t, b, b2)
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	b := Encode(sampleMeta())
	b = append(b, 0xFF)
	_, err := Decode(b)
	require.True(t, errors.Is(err, lverrors.ErrMalformedMeta))
}

func TestDecodeRejectsTruncated(t *testing.T) {
	b := Encode(sampleMeta())
	_, err := Decode(b[:len(b)-4])
	require.Error(t, err)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	b := Encode(sampleMeta())
	b[0] ^= 0xFF
	_, err := Decode(b)
	require.True(t, errors.Is(err, lverrors.ErrMalformedMeta))
}

func TestSignVerifyRoundTrip(t *testing.T) {
	owner, err := secret.NewOwner()
	require.NoError(t, err)

	m := sampleMeta()
	sm, err := Sign(m, owner)
	require.NoError(t, err)

	got, err := Verify(sm, owner)
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestVerifyRejectsTamperedMetaBytes(t *testing.T) {
	owner, err := secret.NewOwner()
	require.NoError(t, err)

	sm, err := Sign(sampleMeta(), owner)
	require.NoError(t, err)
	sm.MetaBytes[10] ^= 0xFF

	_, err = Verify(sm, owner)
	require.True(t, errors.Is(err, lverrors.ErrSignatureInvalid))
}
