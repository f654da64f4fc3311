package wallet

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func testSeed(t *testing.T) []byte {
	t.Helper()
	seed, err := SeedFromMnemonic(testMnemonic, "")
	require.NoError(t, err)
	return seed
}

func TestGenerateMnemonic(t *testing.T) {
	tests := []struct {
		bits  int
		words int
	}{
		{Mnemonic12Words, 12},
		{Mnemonic24Words, 24},
	}
	for _, tt := range tests {
		m, err := GenerateMnemonic(tt.bits)
		require.NoError(t, err)
		assert.Len(t, strings.Fields(m), tt.words)
		_, err = SeedFromMnemonic(m, "")
		assert.NoError(t, err)
	}

	_, err := GenerateMnemonic(192)
	assert.ErrorIs(t, err, ErrInvalidEntropy)
}

func TestSeedFromMnemonic(t *testing.T) {
	seed := testSeed(t)
	assert.Len(t, seed, 64)

	withPass, err := SeedFromMnemonic(testMnemonic, "TREZOR")
	require.NoError(t, err)
	assert.NotEqual(t, seed, withPass)

	_, err = SeedFromMnemonic("not a valid mnemonic", "")
	assert.ErrorIs(t, err, ErrInvalidMnemonic)
}

func TestEncryptDecryptSeed(t *testing.T) {
	seed := testSeed(t)
	enc, err := EncryptSeed(seed, "hunter2")
	require.NoError(t, err)
	assert.False(t, bytes.Contains(enc, seed))

	dec, err := DecryptSeed(enc, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, seed, dec)

	_, err = DecryptSeed(enc, "wrong")
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = DecryptSeed(enc[:10], "hunter2")
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	tampered := append([]byte{}, enc...)
	tampered[len(tampered)-1] ^= 0xff
	_, err = DecryptSeed(tampered, "hunter2")
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = EncryptSeed(nil, "x")
	assert.ErrorIs(t, err, ErrInvalidSeed)
}

func TestKeystore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "keystore.enc")
	seed := testSeed(t)

	require.NoError(t, InitKeystore(path, seed, "pw"))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	err = InitKeystore(path, seed, "pw")
	assert.ErrorIs(t, err, ErrKeystoreExists)

	got, err := OpenKeystore(path, "pw")
	require.NoError(t, err)
	assert.Equal(t, seed, got)

	_, err = OpenKeystore(path, "nope")
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = OpenKeystore(filepath.Join(t.TempDir(), "missing"), "pw")
	assert.ErrorIs(t, err, ErrKeystoreNotFound)

	bad := filepath.Join(t.TempDir(), "bad")
	require.NoError(t, os.WriteFile(bad, []byte("junk"), 0600))
	_, err = OpenKeystore(bad, "pw")
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestKeyring_Derive(t *testing.T) {
	kr, err := NewKeyring(testSeed(t), "mainnet")
	require.NoError(t, err)
	assert.True(t, kr.Mainnet())

	seen := map[string]Role{}
	for _, role := range Roles() {
		kp, err := kr.RoleKey(role)
		require.NoError(t, err)
		assert.Equal(t, "m/44'/402'/"+map[Role]string{RolePayee: "0", RoleNotary: "1", RolePayout: "2"}[role]+"'/0/0", kp.Path)
		assert.Len(t, kp.PubKeyHash(), 20)
		assert.Equal(t, byte('1'), kp.Address[0])
		prev, dup := seen[kp.Address]
		assert.False(t, dup, "role %s collides with %s", role, prev)
		seen[kp.Address] = role
	}

	a, err := kr.Derive(RoleNotary, 7)
	require.NoError(t, err)
	b, err := kr.Derive(RoleNotary, 7)
	require.NoError(t, err)
	assert.Equal(t, a.Address, b.Address)
	assert.Equal(t, "m/44'/402'/1'/0/7", a.Path)
}

func TestKeyring_TestnetAddresses(t *testing.T) {
	main, err := NewKeyring(testSeed(t), "mainnet")
	require.NoError(t, err)
	test, err := NewKeyring(testSeed(t), "regtest")
	require.NoError(t, err)
	assert.False(t, test.Mainnet())
	assert.Equal(t, "regtest", test.Network())

	mk, err := main.RoleKey(RolePayee)
	require.NoError(t, err)
	tk, err := test.RoleKey(RolePayee)
	require.NoError(t, err)
	assert.Equal(t, mk.PubKeyHash(), tk.PubKeyHash())
	assert.NotEqual(t, mk.Address, tk.Address)
}

func TestKeyring_Errors(t *testing.T) {
	_, err := NewKeyring(nil, "mainnet")
	assert.ErrorIs(t, err, ErrInvalidSeed)

	_, err = NewKeyring(testSeed(t), "moonnet")
	assert.ErrorIs(t, err, ErrInvalidNetwork)

	kr, err := NewKeyring(testSeed(t), "testnet")
	require.NoError(t, err)
	_, err = kr.Derive(Role(9), 0)
	assert.ErrorIs(t, err, ErrUnknownRole)
	_, err = kr.Derive(RolePayout, Hardened)
	assert.ErrorIs(t, err, ErrDerivationFailed)

	assert.Equal(t, "payout", RolePayout.String())
	assert.Equal(t, "role(9)", Role(9).String())
}
