package secret

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestSealOpen(t *testing.T) {
	box, err := New(testKey)
	require.NoError(t, err)

	sealed, err := box.Seal("s3cret")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, prefix))
	assert.NotContains(t, sealed, "s3cret")

	again, err := box.Seal("s3cret")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonce must differ per seal")

	plain, err := box.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", plain)
}

func TestNilBoxPassesThrough(t *testing.T) {
	box, err := New("")
	require.NoError(t, err)
	assert.Nil(t, box)

	sealed, err := box.Seal("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", sealed)

	plain, err := box.Open("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", plain)
}

func TestOpenRejectsTampering(t *testing.T) {
	box, err := New(testKey)
	require.NoError(t, err)
	sealed, err := box.Seal("s3cret")
	require.NoError(t, err)

	raw := []byte(sealed)
	i := len(raw) - 5
	if raw[i] == 'A' {
		raw[i] = 'B'
	} else {
		raw[i] = 'A'
	}
	_, err = box.Open(string(raw))
	require.ErrorIs(t, err, ErrMalformed)

	var nilBox *Box
	_, err = nilBox.Open(sealed)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestNewRejectsShortKey(t *testing.T) {
	_, err := New("abcd")
	require.Error(t, err)
	_, err = New("zz")
	require.Error(t, err)
}
