package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateConfigPath(t *testing.T) {
	assert.NoError(t, validateConfigPath("gateway.yaml"))
	assert.NoError(t, validateConfigPath("/etc/fedgate/gateway.JSON"))

	assert.Error(t, validateConfigPath(""))
	assert.Error(t, validateConfigPath("../secrets/gateway.yaml"))
	assert.Error(t, validateConfigPath("/etc/fedgate/../../shadow.yaml"))
	assert.Error(t, validateConfigPath("gateway.toml"))
	assert.Error(t, validateConfigPath(strings.Repeat("a", maxPathLen)+".yaml"))
}

func TestSafeReadFile_RejectsDirectoriesAndLargeFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "conf.d.yaml")
	require.NoError(t, os.Mkdir(dir, 0700))
	_, err := safeReadFile(dir)
	assert.Error(t, err)

	big := filepath.Join(t.TempDir(), "big.json")
	require.NoError(t, os.WriteFile(big, make([]byte, maxConfigSize+1), 0600))
	_, err = safeReadFile(big)
	assert.ErrorContains(t, err, "too large")
}

func TestValidateEnvVar(t *testing.T) {
	assert.NoError(t, validateEnvVar("FEDGATE_NATS_URLS", "nats://a:4222,nats://b:4222"))
	assert.Error(t, validateEnvVar("FEDGATE_NATS_TOKEN", "abc\x00def"))
	assert.Error(t, validateEnvVar("FEDGATE_LISTEN_ADDRESS", ":80\n"))
	assert.Error(t, validateEnvVar("FEDGATE_NATS_TOKEN", strings.Repeat("x", maxEnvVarLen+1)))
}

func TestValidateJSONDepth(t *testing.T) {
	assert.NoError(t, validateJSONDepth([]byte(`{"cache": {"ttl": "1h", "tags": ["a", {"b": []}]}}`)))

	deep := strings.Repeat("[", maxJSONDepth+1) + strings.Repeat("]", maxJSONDepth+1)
	assert.ErrorContains(t, validateJSONDepth([]byte(deep)), "too deep")
}
