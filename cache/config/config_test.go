package config

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/errors"
	. "github.com/pingcap/check"
)

func Test(t *testing.T) {
	TestingT(t)
}

var _ = Suite(&testConfigSuite{})

type testConfigSuite struct{}

func (s *testConfigSuite) TestDefaults(c *C) {
	cfg := NewDefaultConfig()
	c.Assert(cfg.Adjust(nil), IsNil)
	c.Assert(cfg.NodeLockingScheme, Equals, SchemePessimistic)
	c.Assert(cfg.IsRepeatableRead(), IsTrue)
	c.Assert(cfg.LockAcquisitionTimeout.Duration, Equals, 10*time.Second)
	c.Assert(cfg.CacheMode, Equals, "local")
	c.Assert(cfg.WarningMsgs, HasLen, 0)
}

func (s *testConfigSuite) TestParse(c *C) {
	cfg, err := Parse(`
cluster-name = "orders"
node-locking-scheme = "OPTIMISTIC"
isolation-level = "READ_COMMITTED"
lock-acquisition-timeout = "250ms"
cache-mode = "repl-sync"
one-phase-commit = true
unknown-item = 3

[log]
level = "debug"
`)
	c.Assert(err, IsNil)
	c.Assert(cfg.ClusterName, Equals, "orders")
	c.Assert(cfg.NodeLockingScheme, Equals, SchemeOptimistic)
	c.Assert(cfg.IsolationLevel, Equals, ReadCommitted)
	c.Assert(cfg.LockAcquisitionTimeout.Duration, Equals, 250*time.Millisecond)
	c.Assert(cfg.CacheMode, Equals, "repl-sync")
	c.Assert(cfg.OnePhaseCommit, IsTrue)
	c.Assert(cfg.Log.Level, Equals, "debug")
	c.Assert(cfg.SyncReplTimeout.Duration, Equals, defaultSyncReplTimeout)
	c.Assert(cfg.WarningMsgs, HasLen, 1)
}

func (s *testConfigSuite) TestInvalid(c *C) {
	_, err := Parse(`node-locking-scheme = "serializable"`)
	c.Assert(errors.IsNotValid(err), IsTrue)

	_, err = Parse(`cache-mode = "buddy"`)
	c.Assert(errors.IsNotValid(err), IsTrue)

	_, err = Parse(`lock-acquisition-timeout = "soon"`)
	c.Assert(err, NotNil)
}

func (s *testConfigSuite) TestLoadFile(c *C) {
	dir, err := ioutil.TempDir("", "tinytree-config")
	c.Assert(err, IsNil)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "tinytree.toml")
	c.Assert(ioutil.WriteFile(path, []byte("node-locking-scheme = \"mvcc\"\nwrite-skew-check = true\n"), 0644), IsNil)
	cfg, err := LoadFile(path)
	c.Assert(err, IsNil)
	c.Assert(cfg.NodeLockingScheme, Equals, SchemeMVCC)
	c.Assert(cfg.WriteSkewCheck, IsTrue)

	_, err = LoadFile(filepath.Join(dir, "missing.toml"))
	c.Assert(err, NotNil)
}

func (s *testConfigSuite) TestDurationJSON(c *C) {
	d := NewDuration(1500 * time.Millisecond)
	b, err := json.Marshal(d)
	c.Assert(err, IsNil)
	c.Assert(string(b), Equals, `"1.5s"`)

	var back Duration
	c.Assert(json.Unmarshal(b, &back), IsNil)
	c.Assert(back.Duration, Equals, d.Duration)
}
