package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pingcap-incubator/tinytree/cache/config"
	"github.com/pingcap-incubator/tinytree/cache/invocation"
	"github.com/pingcap-incubator/tinytree/cache/storage"
	"github.com/pingcap-incubator/tinytree/cache/treecache"
	. "github.com/pingcap/check"
)

func TestServer(t *testing.T) {
	TestingT(t)
}

var _ = Suite(&testServerSuite{})

type testServerSuite struct {
	cache *treecache.Cache
	ts    *httptest.Server
}

func (s *testServerSuite) SetUpTest(c *C) {
	cache, err := treecache.New(config.NewTestConfig(), treecache.WithAddress("node-1"))
	c.Assert(err, IsNil)
	s.cache = cache
	s.ts = httptest.NewServer(NewHandler(cache))
}

func (s *testServerSuite) TearDownTest(c *C) {
	s.ts.Close()
	s.cache.Close()
}

func (s *testServerSuite) put(c *C, fqn, key string, value interface{}) {
	_, err := s.cache.Put(nil, storage.FromString(fqn), key, value)
	c.Assert(err, IsNil)
}

func (s *testServerSuite) get(c *C, path string, status int, out interface{}) {
	resp, err := http.Get(s.ts.URL + path)
	c.Assert(err, IsNil)
	defer resp.Body.Close()
	body, err := ioutil.ReadAll(resp.Body)
	c.Assert(err, IsNil)
	c.Assert(resp.StatusCode, Equals, status, Commentf("%s: %s", path, body))
	if out != nil {
		c.Assert(json.Unmarshal(body, out), IsNil)
	}
}

func (s *testServerSuite) post(c *C, path, body string) *http.Response {
	resp, err := http.Post(s.ts.URL+path, "application/json", bytes.NewBufferString(body))
	c.Assert(err, IsNil)
	return resp
}

func (s *testServerSuite) TestStatus(c *C) {
	s.put(c, "/a/b", "k", "v")
	var st Status
	s.get(c, statusAPI, http.StatusOK, &st)
	c.Assert(st.Address, Equals, "node-1")
	c.Assert(st.Scheme, Equals, config.SchemePessimistic)
	c.Assert(st.Mode, Equals, "local")
	c.Assert(st.Nodes, Equals, s.cache.NumNodes())
	c.Assert(st.Attributes, Equals, 1)
	c.Assert(st.Locks, Equals, 0)
}

func (s *testServerSuite) TestChain(c *C) {
	var names []string
	s.get(c, apiPrefix+"/chain", http.StatusOK, &names)
	c.Assert(names, DeepEquals, []string{
		"InvocationContextInterceptor",
		"CacheMgmtInterceptor",
		"TxInterceptor",
		"NotificationInterceptor",
		"PessimisticLockInterceptor",
		"CallInterceptor",
	})
}

func (s *testServerSuite) TestStats(c *C) {
	s.put(c, "/a", "k", "v")
	var stats map[string]interface{}
	s.get(c, apiPrefix+"/stats", http.StatusOK, &stats)
	c.Assert(stats["stores"], Equals, float64(1))

	resp := s.post(c, apiPrefix+"/stats/reset", "")
	resp.Body.Close()
	c.Assert(resp.StatusCode, Equals, http.StatusOK)
	s.get(c, apiPrefix+"/stats", http.StatusOK, &stats)
	c.Assert(stats["stores"], Equals, float64(0))
}

func (s *testServerSuite) TestStatsDisabled(c *C) {
	cfg := config.NewTestConfig()
	cfg.ExposeStatistics = false
	cache, err := treecache.New(cfg)
	c.Assert(err, IsNil)
	ts := httptest.NewServer(NewHandler(cache))
	defer ts.Close()

	resp, err := http.Get(ts.URL + apiPrefix + "/stats")
	c.Assert(err, IsNil)
	resp.Body.Close()
	c.Assert(resp.StatusCode, Equals, http.StatusNotFound)
}

func (s *testServerSuite) TestNode(c *C) {
	s.put(c, "/a", "k", "v")
	s.put(c, "/a/b", "x", float64(1))

	var node NodeInfo
	s.get(c, apiPrefix+"/node?fqn=/a", http.StatusOK, &node)
	c.Assert(node.Fqn, Equals, "/a")
	c.Assert(node.Data["k"], Equals, "v")
	c.Assert(node.Children, DeepEquals, []string{"b"})

	var children []string
	s.get(c, apiPrefix+"/node/children?fqn=/a/b", http.StatusOK, &children)
	c.Assert(children, HasLen, 0)

	var exported []NodeInfo
	s.get(c, apiPrefix+"/node/export?fqn=/a", http.StatusOK, &exported)
	c.Assert(exported, HasLen, 2)

	var body errorBody
	s.get(c, apiPrefix+"/node?fqn=/missing", http.StatusNotFound, &body)
	c.Assert(body.Error, Matches, ".*not found.*")
	s.get(c, apiPrefix+"/node/children?fqn=/missing", http.StatusNotFound, nil)
	s.get(c, apiPrefix+"/node", http.StatusBadRequest, nil)
}

func (s *testServerSuite) TestLockTimeoutIsConflict(c *C) {
	tx, err := s.cache.TransactionManager().Begin()
	c.Assert(err, IsNil)
	ic := invocation.New(context.Background())
	ic.SetTransaction(tx)
	_, err = s.cache.Put(ic, storage.FromString("/busy"), "k", "v")
	c.Assert(err, IsNil)
	defer tx.Rollback()

	resp, err := http.Get(s.ts.URL + apiPrefix + "/node?fqn=/busy")
	c.Assert(err, IsNil)
	defer resp.Body.Close()
	c.Assert(resp.StatusCode, Equals, http.StatusConflict)
	c.Assert(resp.Header.Get(errorCodeHeader), Equals, string(storage.LockTimeoutCode.CodeStr()))
}

func (s *testServerSuite) TestEvict(c *C) {
	s.put(c, "/a/b", "k", "v")
	s.put(c, "/a/c", "k", "v")
	resp := s.post(c, apiPrefix+"/admin/evict?fqn=/a&recursive=true", "")
	defer resp.Body.Close()
	c.Assert(resp.StatusCode, Equals, http.StatusOK)
	var n int
	c.Assert(json.NewDecoder(resp.Body).Decode(&n), IsNil)
	c.Assert(n, Equals, 3)

	bad := s.post(c, apiPrefix+"/admin/evict?fqn=/a&recursive=maybe", "")
	bad.Body.Close()
	c.Assert(bad.StatusCode, Equals, http.StatusBadRequest)
}

func (s *testServerSuite) TestSetLogLevel(c *C) {
	resp := s.post(c, apiPrefix+"/admin/log", `"warn"`)
	resp.Body.Close()
	c.Assert(resp.StatusCode, Equals, http.StatusOK)

	resp = s.post(c, apiPrefix+"/admin/log", `"loud"`)
	resp.Body.Close()
	c.Assert(resp.StatusCode, Equals, http.StatusBadRequest)

	resp = s.post(c, apiPrefix+"/admin/log", `"info"`)
	resp.Body.Close()
}

func (s *testServerSuite) TestMetrics(c *C) {
	s.put(c, "/a", "k", "v")
	resp, err := http.Get(s.ts.URL + "/metrics")
	c.Assert(err, IsNil)
	defer resp.Body.Close()
	c.Assert(resp.StatusCode, Equals, http.StatusOK)
	body, err := ioutil.ReadAll(resp.Body)
	c.Assert(err, IsNil)
	c.Assert(strings.Contains(string(body), "tinytree_"), IsTrue)
}

func (s *testServerSuite) TestStartAndClose(c *C) {
	srv := NewServer("127.0.0.1:0", s.cache)
	c.Assert(srv.Start(), IsNil)
	resp, err := http.Get("http://" + srv.Addr() + statusAPI)
	c.Assert(err, IsNil)
	resp.Body.Close()
	c.Assert(resp.StatusCode, Equals, http.StatusOK)
	c.Assert(srv.Close(context.Background()), IsNil)
}
