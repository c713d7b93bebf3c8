package sha256

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashKnownVectors(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":    "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		"abc": "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
	}
	h := New()
	for input, want := range cases {
		got, err := h.Hash([]byte(input))
		require.NoError(t, err)
		assert.Equal(t, want, got, "digest of %q", input)
	}
}

func TestHashDistinguishesDatasets(t *testing.T) {
	t.Parallel()

	h := New()
	a, err := h.Hash([]byte("Title,Content\nA,alpha\n"))
	require.NoError(t, err)
	b, err := h.Hash([]byte("Title,Content\nA,alpha \n"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
