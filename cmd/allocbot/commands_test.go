package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/allocbot/internal/crypto"
)

func TestEncryptSecretRoundTrip(t *testing.T) {
	out := filepath.Join(t.TempDir(), "venue.key")
	cmd := newRootCmd()
	cmd.SetArgs([]string{"encrypt-secret", "--out", out, "--password", "hunter2"})
	cmd.SetIn(strings.NewReader("s3cr3t\n"))
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)

	require.NoError(t, cmd.Execute())
	assert.Contains(t, stdout.String(), out)

	secret, err := crypto.LoadSecret(crypto.SecretConfig{EncryptedPath: out, Password: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", secret)

	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestEncryptSecretRequiresInput(t *testing.T) {
	t.Setenv("ALLOCBOT_VENUE_SECRET_PASSWORD", "")
	cmd := newRootCmd()
	cmd.SetArgs([]string{"encrypt-secret", "--out", filepath.Join(t.TempDir(), "k")})
	cmd.SetIn(strings.NewReader("s\n"))
	assert.ErrorContains(t, cmd.Execute(), "password")

	cmd = newRootCmd()
	cmd.SetArgs([]string{"encrypt-secret", "--out", filepath.Join(t.TempDir(), "k"), "--password", "p"})
	cmd.SetIn(strings.NewReader("\n"))
	assert.ErrorContains(t, cmd.Execute(), "empty secret")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", parseLevel("debug").String())
	assert.Equal(t, "WARN", parseLevel("WARN").String())
	assert.Equal(t, "INFO", parseLevel("bogus").String())
}
