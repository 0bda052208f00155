package main

import (
	"bytes"
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/pingcap-incubator/tinytree/cache/config"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunBench(t *testing.T) {
	for _, scheme := range []string{config.SchemePessimistic, config.SchemeOptimistic, config.SchemeMVCC} {
		cfg := config.NewTestConfig()
		cfg.NodeLockingScheme = scheme
		var out bytes.Buffer
		opts := &benchOptions{threads: 4, ops: 200, fanout: 8, depth: 2, valueSize: "1KiB", readRatio: 0.5, skipOnFail: true}
		require.NoError(t, runBench(context.Background(), &out, cfg, opts), scheme)
		assert.Contains(t, out.String(), "scheme: "+scheme)
		assert.Contains(t, out.String(), "write  count:")
		assert.Contains(t, out.String(), "value: 1.024kB")
	}
}

func TestRunBenchInTransactions(t *testing.T) {
	cfg := config.NewTestConfig()
	cfg.NodeLockingScheme = config.SchemeOptimistic
	var out bytes.Buffer
	opts := &benchOptions{threads: 2, ops: 100, fanout: 8, depth: 2, valueSize: "64B", readRatio: 0.5, txnSize: 4, skipOnFail: true}
	require.NoError(t, runBench(context.Background(), &out, cfg, opts))
	assert.Contains(t, out.String(), "read   count:")
}

func TestRunBenchRejectsBadOptions(t *testing.T) {
	opts := &benchOptions{threads: 1, ops: 1, fanout: 1, depth: 1, valueSize: "lots"}
	assert.Error(t, runBench(context.Background(), &bytes.Buffer{}, config.NewTestConfig(), opts))

	opts = &benchOptions{threads: 0, ops: 1, fanout: 1, depth: 1, valueSize: "1B"}
	assert.Error(t, runBench(context.Background(), &bytes.Buffer{}, config.NewTestConfig(), opts))
}

func TestConfigFlags(t *testing.T) {
	dir, err := ioutil.TempDir("", "tinytree-server")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "tinytree.toml")
	require.NoError(t, ioutil.WriteFile(path, []byte("cluster-name = \"bench\"\nnode-locking-scheme = \"optimistic\"\n"), 0644))

	f := &configFlags{}
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	f.register(fs)
	require.NoError(t, fs.Parse([]string{"-C", path, "--isolation", "READ_COMMITTED", "-L", "warn"}))

	cfg, err := f.load()
	require.NoError(t, err)
	assert.Equal(t, "bench", cfg.ClusterName)
	assert.Equal(t, config.SchemeOptimistic, cfg.NodeLockingScheme)
	assert.Equal(t, config.ReadCommitted, cfg.IsolationLevel)
	assert.Equal(t, "warn", cfg.Log.Level)

	f = &configFlags{scheme: "serializable"}
	_, err = f.load()
	assert.Error(t, err)
}
