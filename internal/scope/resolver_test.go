package scope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsIncompleteIdentity(t *testing.T) {
	assert.Nil(t, New(Identity{UserID: "u1"}, nil))
	assert.Nil(t, New(Identity{OrgID: "o1"}, nil))

	s := New(Identity{UserID: "u1", OrgID: "o1"}, []string{"t2", "", "t1"})
	require.NotNil(t, s)
	assert.Equal(t, "u1:o1", s.Key())
	assert.Equal(t, []string{"t1", "t2"}, s.ThreadIDs())
	assert.True(t, s.HasThread("t1"))
	assert.False(t, s.HasThread(""))
}

func TestResolverIdentityChanges(t *testing.T) {
	var r Resolver

	sig := r.SetIdentity(Identity{UserID: "u1", OrgID: "a"})
	assert.Equal(t, ChangeIdentity, sig.Kind)
	require.NotNil(t, r.Current())

	r.SetThreads([]string{"t1"})
	sig = r.SetIdentity(Identity{UserID: "u1", OrgID: "a"})
	assert.Equal(t, ChangeNone, sig.Kind)
	assert.True(t, r.Current().HasThread("t1"), "same identity keeps threads")

	sig = r.SetIdentity(Identity{UserID: "u1", OrgID: "b"})
	assert.Equal(t, ChangeIdentity, sig.Kind)
	assert.Empty(t, r.Current().ThreadIDs(), "org switch drops threads of the previous org")

	sig = r.SetIdentity(Identity{})
	assert.Equal(t, ChangeLost, sig.Kind)
	assert.Nil(t, r.Current())

	sig = r.SetIdentity(Identity{})
	assert.Equal(t, ChangeNone, sig.Kind)
}

func TestResolverThreadDelta(t *testing.T) {
	var r Resolver
	assert.Equal(t, ChangeNone, r.SetThreads([]string{"t1"}).Kind, "no scope yet")

	r.SetIdentity(Identity{UserID: "u1", OrgID: "a"})
	sig := r.SetThreads([]string{"t1", "t2"})
	assert.Equal(t, ChangeThreads, sig.Kind)
	assert.Equal(t, []string{"t1", "t2"}, sig.Added)
	assert.Empty(t, sig.Removed)

	sig = r.SetThreads([]string{"t2", "t3"})
	assert.Equal(t, []string{"t3"}, sig.Added)
	assert.Equal(t, []string{"t1"}, sig.Removed)

	assert.Equal(t, ChangeNone, r.SetThreads([]string{"t3", "t2"}).Kind)

	sig = r.AddThread("t4")
	assert.Equal(t, ChangeThreads, sig.Kind)
	assert.Equal(t, []string{"t4"}, sig.Added)
	assert.Equal(t, ChangeNone, r.AddThread("t4").Kind)
}
