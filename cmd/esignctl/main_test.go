package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zksig/esign/pkg/identity"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestAuthorizeThenVerifyOffline(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "owner.key")
	_, err := execute(t, "keygen", "--out", keyPath)
	require.NoError(t, err)

	agreement := identity.Derive("agreement", []byte("0"), []byte("profile"))
	out, err := execute(t, "--key", keyPath, "slot", "authorize", agreement.String(), "manager")
	require.NoError(t, err)
	authPath := filepath.Join(dir, "auth.json")
	require.NoError(t, os.WriteFile(authPath, []byte(out), 0o600))

	out, err = execute(t, "record", "verify", "--in", authPath)
	require.NoError(t, err)
	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Equal(t, "PASS", res["status"])

	var auth authorization
	require.NoError(t, json.Unmarshal(mustRead(t, authPath), &auth))
	auth.Identifier = "director"
	b, err := json.Marshal(auth)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(authPath, b, 0o600))

	out, err = execute(t, "record", "verify", "--in", authPath)
	require.Error(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Equal(t, "FAIL", res["status"])
}

func TestSignedCommandsRequireKey(t *testing.T) {
	_, err := execute(t, "profile", "create")
	require.ErrorContains(t, err, "--key is required")
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return b
}
