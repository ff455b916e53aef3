package suppression

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashEmailNormalizes(t *testing.T) {
	assert.Equal(t, HashEmail("a@x.com"), HashEmail("  A@X.COM "))
	assert.NotEqual(t, HashEmail("a@x.com"), HashEmail("b@x.com"))
}

func TestLoadListMixedEntries(t *testing.T) {
	sum := md5.Sum([]byte("hashed@x.com"))
	input := strings.Join([]string{
		"# comment",
		"",
		"Plain@X.com",
		hex.EncodeToString(sum[:]),
		"plain@x.com", // duplicate collapses
	}, "\n")

	l, err := LoadList(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 2, l.Len())

	assert.True(t, l.Contains("plain@x.com"))
	assert.True(t, l.Contains("PLAIN@x.com"))
	assert.True(t, l.Contains("hashed@x.com"), "md5 entries match the address they hash")
	assert.False(t, l.Contains("other@x.com"))
}

func TestListNoFalseNegatives(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 5000; i++ {
		b.WriteString("user")
		b.WriteString(hex.EncodeToString([]byte{byte(i), byte(i >> 8)}))
		b.WriteString("@x.com\n")
	}
	l, err := LoadList(strings.NewReader(b.String()))
	require.NoError(t, err)
	require.Equal(t, 5000, l.Len())

	for i := 0; i < 5000; i++ {
		email := "user" + hex.EncodeToString([]byte{byte(i), byte(i >> 8)}) + "@x.com"
		assert.True(t, l.Contains(email))
	}
}

func TestSetOverlayAndBase(t *testing.T) {
	base, err := LoadList(strings.NewReader("base@x.com\n"))
	require.NoError(t, err)

	s := NewSet(base)
	assert.True(t, s.Suppressed("base@x.com"))
	assert.False(t, s.Suppressed("live@x.com"))

	s.Add("Live@X.com")
	assert.True(t, s.Suppressed("live@x.com"))

	s.AddAll([]string{"b1@x.com", "b2@x.com"})
	assert.True(t, s.Suppressed("b2@x.com"))
	assert.Equal(t, 4, s.Len())
}

func TestSetWithoutBase(t *testing.T) {
	s := NewSet(nil)
	assert.False(t, s.Suppressed("a@x.com"))
	s.Add("a@x.com")
	assert.True(t, s.Suppressed("a@x.com"))
}
