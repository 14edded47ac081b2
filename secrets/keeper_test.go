package secrets

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/MrEthical07/goMFA/otp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeeper(t *testing.T) *Keeper {
	t.Helper()
	k, err := NewKeeper(bytes.Repeat([]byte{7}, KeySize))
	require.NoError(t, err)
	return k
}

func TestNewKeeperKeyLength(t *testing.T) {
	_, err := NewKeeper([]byte("short"))
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = NewKeeperHex("zz")
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = NewKeeperHex("0001020304050607080910111213141516171819202122232425262728293031")
	assert.NoError(t, err)
}

func TestGeneratorComputesCodesFromSealedSecret(t *testing.T) {
	k := testKeeper(t)
	raw := []byte("12345678901234567890")
	sealed, err := k.Seal(raw)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), string(raw))

	gen, err := k.Generator(sealed, 6, otp.SHA1)
	require.NoError(t, err)
	code, err := gen.At(1)
	require.NoError(t, err)
	assert.Equal(t, "287082", code)
}

func TestSealIsRandomized(t *testing.T) {
	k := testKeeper(t)
	a, err := k.Seal([]byte("x"))
	require.NoError(t, err)
	b, err := k.Seal([]byte("x"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestOpenWithWrongKeyFails(t *testing.T) {
	sealed, err := testKeeper(t).Seal([]byte("secret"))
	require.NoError(t, err)

	other, err := NewKeeper(bytes.Repeat([]byte{9}, KeySize))
	require.NoError(t, err)
	_, err = other.Generator(sealed, 6, otp.SHA1)
	assert.ErrorIs(t, err, ErrDecryption)
	_, err = other.Generator(Sealed{1, 2}, 6, otp.SHA1)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestEncryptStringRoundTrip(t *testing.T) {
	k := testKeeper(t)
	enc, err := k.EncryptString("1234")
	require.NoError(t, err)
	got, err := k.DecryptString(enc)
	require.NoError(t, err)
	assert.Equal(t, "1234", got)

	_, err = k.DecryptString("not-hex")
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestSealedNeverFormatsBytes(t *testing.T) {
	assert.Equal(t, "[sealed]", fmt.Sprint(Sealed("abc")))
}
