package record

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testDoc struct {
	Hashes map[string]string `json:"hashes"`
	Size   int64             `json:"size"`
	URIs   []string          `json:"src_uri,omitempty"`
}

type testRef struct {
	Scope string `json:"scope"`
	URL   string `json:"url"`
	Hash  string `json:"sha512"`
}

func hexOf(ch byte) string {
	return strings.Repeat(string(ch), 128)
}

func newDocStore(t *testing.T) (*Store[testDoc], *Memory) {
	t.Helper()
	mem := NewMemory()
	s, err := New[testDoc](mem, HashKey("hashes.sha512"))
	require.NoError(t, err)
	return s, mem
}

func TestHashKeyRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newDocStore(t)

	doc := testDoc{Hashes: map[string]string{"sha512": hexOf('a')}, Size: 5}
	key, err := s.Write(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, hexOf('a'), key)

	got, err := s.Read(ctx, Field("hashes.sha512", hexOf('a')))
	require.NoError(t, err)
	assert.Equal(t, doc, got)

	got, err = s.Read(ctx, ByKey(key))
	require.NoError(t, err)
	assert.Equal(t, doc, got)
}

func TestWriteOverwritesSameKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, mem := newDocStore(t)

	_, err := s.Write(ctx, testDoc{Hashes: map[string]string{"sha512": hexOf('b')}, Size: 1})
	require.NoError(t, err)
	_, err = s.Write(ctx, testDoc{Hashes: map[string]string{"sha512": hexOf('b')}, Size: 2})
	require.NoError(t, err)

	assert.Equal(t, 1, mem.Len())
	got, err := s.Read(ctx, Field("hashes.sha512", hexOf('b')))
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Size)
}

func TestWriteMissingField(t *testing.T) {
	t.Parallel()
	s, mem := newDocStore(t)

	_, err := s.Write(context.Background(), testDoc{Size: 3})
	require.ErrorIs(t, err, ErrMissingField)

	var mf *MissingFieldError
	require.ErrorAs(t, err, &mf)
	assert.Equal(t, "hashes.sha512", mf.Field)
	assert.Equal(t, 0, mem.Len())
}

func TestHashKeyRejectsNonHex(t *testing.T) {
	t.Parallel()
	s, _ := newDocStore(t)

	_, err := s.Write(context.Background(), testDoc{Hashes: map[string]string{"sha512": "../../etc/passwd"}})
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestReadNotFound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newDocStore(t)

	_, err := s.Read(ctx, Field("hashes.sha512", hexOf('c')))
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.Read(ctx, Field("size", 99))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDerivedKeyDeterministic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, err := New[testRef](NewMemory(), DerivedKey("scope", "url"))
	require.NoError(t, err)

	a := testRef{Scope: "main", URL: "https://example.com/a.tar.gz", Hash: hexOf('1')}
	b := testRef{Scope: "main", URL: "https://example.com/a.tar.gz", Hash: hexOf('2')}

	keyA, err := s.Key(a)
	require.NoError(t, err)
	keyB, err := s.Key(b)
	require.NoError(t, err)
	assert.Equal(t, keyA, keyB, "non-key fields must not affect the key")
	assert.Len(t, keyA, 128)

	other, err := s.Key(testRef{Scope: "other", URL: a.URL})
	require.NoError(t, err)
	assert.NotEqual(t, keyA, other)

	written, err := s.Write(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, keyA, written)

	got, err := s.Read(ctx, Where(Match{"scope": "main", "url": a.URL}))
	require.NoError(t, err)
	assert.Equal(t, b, got)
}

func TestDerivedKeyFieldOrderMatters(t *testing.T) {
	t.Parallel()

	doc := []byte(`{"scope":"main","url":"https://example.com/x"}`)
	k1, err := DerivedKey("scope", "url").KeyOf(doc)
	require.NoError(t, err)
	k2, err := DerivedKey("url", "scope").KeyOf(doc)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)

	// Whitespace and member order in the document do not change the key.
	k3, err := DerivedKey("scope", "url").KeyOf([]byte(`{ "url": "https://example.com/x",  "scope": "main" }`))
	require.NoError(t, err)
	assert.Equal(t, k1, k3)
}

func TestKeySpecValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		spec KeySpec
	}{
		{name: "no fields", spec: KeySpec{}},
		{name: "direct with two fields", spec: KeySpec{Fields: []string{"a", "b"}, Direct: true}},
		{name: "empty field", spec: DerivedKey("a", "")},
		{name: "duplicate field", spec: DerivedKey("a", "a")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New[testDoc](NewMemory(), tt.spec)
			require.Error(t, err)
		})
	}
}

func TestWhereMatchesArrayElement(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newDocStore(t)

	_, err := s.Write(ctx, testDoc{
		Hashes: map[string]string{"sha512": hexOf('d')},
		URIs:   []string{"https://a.example/f", "https://b.example/f"},
	})
	require.NoError(t, err)

	got, err := s.Read(ctx, Field("src_uri", "https://b.example/f"))
	require.NoError(t, err)
	assert.Equal(t, hexOf('d'), got.Hashes["sha512"])

	_, err = s.Read(ctx, Field("src_uri", "https://c.example/f"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, mem := newDocStore(t)

	_, err := s.Write(ctx, testDoc{Hashes: map[string]string{"sha512": hexOf('e')}, Size: 7})
	require.NoError(t, err)
	_, err = s.Write(ctx, testDoc{Hashes: map[string]string{"sha512": hexOf('f')}, Size: 8})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, Field("size", 7)))
	assert.Equal(t, 1, mem.Len())
	_, err = s.Read(ctx, Field("hashes.sha512", hexOf('e')))
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Delete(ctx, Field("hashes.sha512", hexOf('f'))))
	assert.Equal(t, 0, mem.Len())

	// Deleting an absent record is a no-op.
	require.NoError(t, s.Delete(ctx, Field("hashes.sha512", hexOf('f'))))
	require.NoError(t, s.Delete(ctx, Field("size", 1000)))
}

func TestScan(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newDocStore(t)

	for i, ch := range []byte("0123") {
		_, err := s.Write(ctx, testDoc{Hashes: map[string]string{"sha512": hexOf(ch)}, Size: int64(i)})
		require.NoError(t, err)
	}

	var sizes []int64
	for doc, err := range s.Scan(ctx) {
		require.NoError(t, err)
		sizes = append(sizes, doc.Size)
	}
	assert.ElementsMatch(t, []int64{0, 1, 2, 3}, sizes)

	// Early break stops iteration.
	n := 0
	for _, err := range s.Scan(ctx) {
		require.NoError(t, err)
		n++
		break
	}
	assert.Equal(t, 1, n)
}

func TestConcurrentWritesSameKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, mem := newDocStore(t)

	var wg sync.WaitGroup
	for i := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Write(ctx, testDoc{Hashes: map[string]string{"sha512": hexOf('9')}, Size: int64(i)})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, mem.Len())
	got, err := s.Read(ctx, Field("hashes.sha512", hexOf('9')))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, got.Size, int64(0))
	assert.Less(t, got.Size, int64(32))
}

func TestQueryString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "key=abcdef", ByKey("abcdef").String())
	assert.Equal(t, fmt.Sprintf("match=%v", map[string]any{"a": 1}), Field("a", 1).String())
}
