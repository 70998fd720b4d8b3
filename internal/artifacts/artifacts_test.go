package artifacts

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, signer *Signer) *Store {
	t.Helper()
	sink, err := NewFSSink(t.TempDir())
	require.NoError(t, err)

	index, err := NewIndex(":memory:")
	require.NoError(t, err)

	s := NewStore(sink, index, signer, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreWriteOrderInIndex(t *testing.T) {
	s := testStore(t, nil)
	ctx := context.Background()

	names := []string{NameEnvelope, NameEvidencePre, NameEvidencePos, NameLLMRaw, NameValidator}
	for _, name := range names {
		s.Put(ctx, "req-1", name, []byte(`{"artifact":"`+name+`"}`))
	}
	s.PutFinal(ctx, "req-1", []byte(`{"final":true}`))

	recs, err := s.List(ctx, "req-1")
	require.NoError(t, err)
	require.Len(t, recs, 6)
	for i, name := range append(names, NameResponse) {
		assert.Equal(t, name, recs[i].Name, "index preserves write order")
		assert.Len(t, recs[i].SHA256, 64)
	}

	got, err := s.Get(ctx, "req-1", NameResponse)
	require.NoError(t, err)
	assert.JSONEq(t, `{"final":true}`, string(got))
}

func TestStoreRewriteReplacesIndexRow(t *testing.T) {
	s := testStore(t, nil)
	ctx := context.Background()

	s.Put(ctx, "req-2", NameEnvelope, []byte(`{"v":1}`))
	s.Put(ctx, "req-2", NameEnvelope, []byte(`{"v":2}`))

	recs, err := s.List(ctx, "req-2")
	require.NoError(t, err)
	require.Len(t, recs, 1)

	got, err := s.Get(ctx, "req-2", NameEnvelope)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(got))
}

func TestCloneTrailCopiesAllButFinal(t *testing.T) {
	s := testStore(t, nil)
	ctx := context.Background()

	names := []string{NameEnvelope, NameEvidencePre, NameEvidencePos, NameLLMRaw, NameValidator}
	for _, name := range names {
		s.Put(ctx, "req-orig", name, []byte(`{"artifact":"`+name+`"}`))
	}
	s.PutFinal(ctx, "req-orig", []byte(`{"final":true}`))

	s.CloneTrail(ctx, "req-orig", "req-copy")
	s.PutFinal(ctx, "req-copy", []byte(`{"final":"rewritten"}`))

	recs, err := s.List(ctx, "req-copy")
	require.NoError(t, err)
	require.Len(t, recs, 6)
	for i, name := range append(names, NameResponse) {
		assert.Equal(t, name, recs[i].Name, "clone preserves write order")
	}

	got, err := s.Get(ctx, "req-copy", NameEnvelope)
	require.NoError(t, err)
	assert.JSONEq(t, `{"artifact":"`+NameEnvelope+`"}`, string(got))

	got, err = s.Get(ctx, "req-copy", NameResponse)
	require.NoError(t, err)
	assert.JSONEq(t, `{"final":"rewritten"}`, string(got), "final.json is not copied")
}

func TestStoreSinkFailureDoesNotPanic(t *testing.T) {
	s := testStore(t, nil)
	// Unsafe request id makes the sink refuse; Put must swallow the error.
	s.Put(context.Background(), "../escape", NameEnvelope, []byte("{}"))

	recs, err := s.List(context.Background(), "../escape")
	require.NoError(t, err)
	assert.Empty(t, recs, "failed writes are not indexed")
}

func TestFSSinkRejectsTraversal(t *testing.T) {
	sink, err := NewFSSink(t.TempDir())
	require.NoError(t, err)

	err = sink.Put(context.Background(), "ok-req", "../../etc/passwd", []byte("x"))
	assert.Error(t, err)
	_, err = sink.Get(context.Background(), ".hidden", NameEnvelope)
	assert.Error(t, err)
}

func TestSignedFinalVerifies(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	_, err := rand.Read(seed)
	require.NoError(t, err)

	signer, err := NewSigner(hex.EncodeToString(seed))
	require.NoError(t, err)

	s := testStore(t, signer)
	ctx := context.Background()

	final := []byte(`{"schema_version":"v3"}`)
	s.PutFinal(ctx, "req-3", final)

	sig, err := s.Get(ctx, "req-3", NameSignature)
	require.NoError(t, err)
	assert.True(t, Verify(signer.PublicKey(), final, sig))
	assert.False(t, Verify(signer.PublicKey(), []byte("tampered"), sig))
}

func TestNewSignerRejectsBadSeed(t *testing.T) {
	_, err := NewSigner("zz")
	assert.Error(t, err)
	_, err = NewSigner("abcd")
	assert.Error(t, err)
}
