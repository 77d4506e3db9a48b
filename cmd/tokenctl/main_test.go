package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livecast/internal/token"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return strings.TrimSpace(out.String()), err
}

func setSecrets(t *testing.T) {
	t.Helper()
	t.Setenv("SESSION_TOKEN_SECRET", "session-secret")
	t.Setenv("PLAYBACK_TOKEN_SECRET", "playback-secret")
}

func TestSessionThenInspect(t *testing.T) {
	setSecrets(t)

	tok, err := run(t, "session", "--subject", "alice", "--ttl", "10m")
	require.NoError(t, err)

	iss, err := token.NewSessionIssuer([]byte("session-secret"))
	require.NoError(t, err)
	claims, err := iss.Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.SubjectID)

	out, err := run(t, "inspect", tok)
	require.NoError(t, err)
	var got inspectOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, token.AudienceSession, got.Audience)
	assert.Equal(t, "alice", got.SubjectID)
}

func TestPlaybackThenInspect(t *testing.T) {
	setSecrets(t)

	tok, err := run(t, "playback", "--subject", "bob", "--record", "42")
	require.NoError(t, err)

	out, err := run(t, "inspect", tok)
	require.NoError(t, err)
	var got inspectOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, token.AudiencePlayback, got.Audience)
	assert.EqualValues(t, 42, got.RecordID)
}

func TestInspect_rejectsForeignToken(t *testing.T) {
	setSecrets(t)
	other, err := token.NewSessionIssuer([]byte("someone-else"))
	require.NoError(t, err)
	tok, err := other.Issue(0, "mallory", time.Hour)
	require.NoError(t, err)

	_, err = run(t, "inspect", tok)
	require.Error(t, err)
	assert.ErrorIs(t, err, token.ErrBadSignature)
}

func TestSession_requiresSubject(t *testing.T) {
	setSecrets(t)
	_, err := run(t, "session")
	assert.Error(t, err)
}

func TestSession_missingSecret(t *testing.T) {
	t.Setenv("SESSION_TOKEN_SECRET", "")
	_, err := run(t, "session", "--subject", "alice")
	assert.ErrorIs(t, err, token.ErrNoKey)
}
