/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package jid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseFullJID(t *testing.T) {
	j, err := Parse("user@example.org/resource")
	require.NoError(t, err)
	require.Equal(t, "user", j.Node())
	require.Equal(t, "example.org", j.Domain())
	require.Equal(t, "resource", j.Resource())
	require.True(t, j.IsFull())
	require.False(t, j.IsBare())
}

func TestParseBareJID(t *testing.T) {
	j, err := Parse("user@example.org")
	require.NoError(t, err)
	require.True(t, j.IsBare())
	require.Equal(t, "user@example.org", j.String())
}

func TestParseDomainOnly(t *testing.T) {
	j, err := Parse("example.org")
	require.NoError(t, err)
	require.Equal(t, "", j.Node())
	require.Equal(t, "example.org", j.Domain())
}

func TestParseInvalid(t *testing.T) {
	_, err := Parse("")
	require.Error(t, err)
}

func TestToBareJID(t *testing.T) {
	j := MustParse("user@example.org/resource")
	bare := j.ToBareJID()
	require.Equal(t, "user@example.org", bare.String())
	require.True(t, bare.IsBare())
}

func TestMatches(t *testing.T) {
	a := MustParse("user@example.org/r1")
	b := MustParse("user@example.org/r2")
	require.False(t, a.Matches(b, true))
	require.True(t, a.Matches(b, false))
}

func TestEscapeUnescapeNode(t *testing.T) {
	raw := `node with spaces&more"stuff`
	escaped := EscapeNode(raw)
	require.Equal(t, raw, UnescapeNode(escaped))
}

func TestParseEscapedWireNodeRoundTrips(t *testing.T) {
	j, err := Parse(`foo\40bar@example.com`)
	require.NoError(t, err)
	require.Equal(t, "foo@bar", j.Node())
	require.Equal(t, `foo\40bar@example.com`, j.String())
}

func TestEscapeNodeOrdering(t *testing.T) {
	// A literal backslash must be escaped first, or a later
	// substitution could introduce a spurious escape sequence.
	raw := `back\slash with space`
	escaped := EscapeNode(raw)
	require.Equal(t, raw, UnescapeNode(escaped))
}
