package cas

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGet_RoundTrip(t *testing.T) {
	c, err := New(t.TempDir(), 0)
	require.NoError(t, err)

	payload := []byte("packet payload bytes")
	digest := DigestBytes(payload)
	require.NoError(t, c.PutBytes(digest, payload))

	got, err := c.GetBytes(digest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, digest, DigestBytes(got))
}

func TestPut_Idempotent(t *testing.T) {
	c, err := New(t.TempDir(), 0)
	require.NoError(t, err)

	payload := []byte("same bytes")
	digest := DigestBytes(payload)
	require.NoError(t, c.PutBytes(digest, payload))
	require.NoError(t, c.PutBytes(digest, payload))
	assert.True(t, c.Has(digest))
}

func TestPut_RejectsMismatchedDigest(t *testing.T) {
	c, err := New(t.TempDir(), 0)
	require.NoError(t, err)

	digest := DigestBytes([]byte("expected"))
	err = c.PutBytes(digest, []byte("different"))
	require.Error(t, err)
	assert.False(t, c.Has(digest))
}

func TestGet_MissingEntry(t *testing.T) {
	c, err := New(t.TempDir(), 0)
	require.NoError(t, err)

	_, err = c.Get(DigestBytes([]byte("never stored")))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidateDigest(t *testing.T) {
	assert.NoError(t, ValidateDigest(DigestBytes([]byte("x"))))
	assert.Error(t, ValidateDigest("sha256:short"))
	assert.Error(t, ValidateDigest("md5:abc"))
	assert.Error(t, ValidateDigest(""))
}

func TestEvict_LRUOrderWithQuota(t *testing.T) {
	c, err := New(t.TempDir(), 20)
	require.NoError(t, err)

	old := []byte("0123456789")
	fresh := []byte("abcdefghij")
	newest := []byte("ABCDEFGHIJ")
	dOld, dFresh, dNewest := DigestBytes(old), DigestBytes(fresh), DigestBytes(newest)

	require.NoError(t, c.PutBytes(dOld, old))
	require.NoError(t, c.PutBytes(dFresh, fresh))
	require.NoError(t, c.PutBytes(dNewest, newest))

	// Age the first entry explicitly so LRU order is unambiguous.
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(c.Path(dOld), past, past))

	require.NoError(t, c.Evict())
	assert.False(t, c.Has(dOld))
	assert.True(t, c.Has(dFresh))
	assert.True(t, c.Has(dNewest))
}

func TestEvict_SkipsPinnedEntries(t *testing.T) {
	c, err := New(t.TempDir(), 5)
	require.NoError(t, err)

	payload := []byte("pinned entry data")
	digest := DigestBytes(payload)
	require.NoError(t, c.PutBytes(digest, payload))

	c.Pin(digest)
	defer c.Unpin(digest)
	require.NoError(t, c.Evict())
	assert.True(t, c.Has(digest))
}
