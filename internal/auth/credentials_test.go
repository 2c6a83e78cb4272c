package auth_test

import (
	"context"
	"errors"
	"testing"

	"github.com/serroba/docsync/internal/auth"
	"github.com/stretchr/testify/require"
)

func TestUser_Key(t *testing.T) {
	t.Parallel()

	require.Equal(t, "anonymous-user", auth.Unauthenticated.Key())
	require.Equal(t, "uid:alice", auth.User{UID: "alice"}.Key())
}

func TestEmptyCredentialsProvider(t *testing.T) {
	t.Parallel()

	p := &auth.EmptyCredentialsProvider{}

	tok, err := p.GetToken(context.Background(), false)
	require.NoError(t, err)
	require.Nil(t, tok)

	var got []auth.User

	require.NoError(t, p.SetUserChangeListener(func(u auth.User) { got = append(got, u) }))
	require.Equal(t, []auth.User{auth.Unauthenticated}, got)

	err = p.SetUserChangeListener(func(auth.User) {})
	if !errors.Is(err, auth.ErrListenerRegistered) {
		t.Errorf("expected ErrListenerRegistered, got %v", err)
	}

	require.NoError(t, p.RemoveUserChangeListener())
	require.ErrorIs(t, p.RemoveUserChangeListener(), auth.ErrNoListener)
}

func TestStaticCredentialsProvider_UserChange(t *testing.T) {
	t.Parallel()

	alice := auth.User{UID: "alice"}
	p := auth.NewStaticCredentialsProvider(alice, "t1")

	var got []auth.User

	require.NoError(t, p.SetUserChangeListener(func(u auth.User) { got = append(got, u) }))

	p.SetUser(alice, "t2")
	p.SetUser(auth.User{UID: "bob"}, "t3")

	require.Equal(t, []auth.User{alice, {UID: "bob"}}, got)

	tok, err := p.GetToken(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, "t3", tok.Value)
	require.Equal(t, map[string]string{"Authorization": "Bearer t3"}, tok.AuthHeaders())
}

func TestStaticCredentialsProvider_CanceledContext(t *testing.T) {
	t.Parallel()

	p := auth.NewStaticCredentialsProvider(auth.User{UID: "alice"}, "t")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.GetToken(ctx, false)
	require.ErrorIs(t, err, context.Canceled)
}
