package storage

import (
	. "github.com/pingcap/check"
)

var _ = Suite(&testContainerSuite{})

type testContainerSuite struct {
	dc *DataContainer
}

func (s *testContainerSuite) SetUpTest(c *C) {
	s.dc = NewDataContainer()
}

func fqnStrings(fqns []Fqn) []string {
	out := make([]string, 0, len(fqns))
	for _, f := range fqns {
		out = append(out, f.String())
	}
	return out
}

func (s *testContainerSuite) TestPeekOrCreateReportsCreated(c *C) {
	n, created := s.dc.PeekOrCreate(FromString("/a/b/c"))
	c.Assert(n.Fqn().String(), Equals, "/a/b/c")
	c.Assert(fqnStrings(created), DeepEquals, []string{"/a", "/a/b", "/a/b/c"})

	_, created = s.dc.PeekOrCreate(FromString("/a/b/d"))
	c.Assert(fqnStrings(created), DeepEquals, []string{"/a/b/d"})

	_, created = s.dc.PeekOrCreate(FromString("/a/b"))
	c.Assert(created, HasLen, 0)
	c.Assert(s.dc.NumNodes(), Equals, 4)

	ab, ok := s.dc.Peek(FromString("/a/b"))
	c.Assert(ok, IsTrue)
	c.Assert(ab.ChildrenNames(), DeepEquals, []string{"c", "d"})
}

func (s *testContainerSuite) TestDetachAttach(c *C) {
	n, _ := s.dc.PeekOrCreate(FromString("/a/b/c"))
	n.Put("k", "v")
	sub, ok := s.dc.Detach(FromString("/a/b"))
	c.Assert(ok, IsTrue)
	c.Assert(s.dc.Exists(FromString("/a/b")), IsFalse)
	c.Assert(s.dc.Exists(FromString("/a/b/c")), IsFalse)
	c.Assert(s.dc.NumNodes(), Equals, 1)

	_, ok = s.dc.Detach(FromString("/a/b"))
	c.Assert(ok, IsFalse)

	c.Assert(s.dc.Attach(sub), IsNil)
	got, ok := s.dc.Peek(FromString("/a/b/c"))
	c.Assert(ok, IsTrue)
	v, _ := got.Get("k")
	c.Assert(v, Equals, "v")
	a, _ := s.dc.Peek(FromString("/a"))
	c.Assert(a.ChildrenNames(), DeepEquals, []string{"b"})
}

func (s *testContainerSuite) TestAttachWithoutParent(c *C) {
	s.dc.PeekOrCreate(FromString("/a/b"))
	sub, _ := s.dc.Detach(FromString("/a/b"))
	s.dc.Detach(FromString("/a"))
	err := s.dc.Attach(sub)
	c.Assert(IsIntegrity(err), IsTrue)
}

func (s *testContainerSuite) TestPruneOnlyEmptyLeaves(c *C) {
	_, created := s.dc.PeekOrCreate(FromString("/a/b/c"))
	other, _ := s.dc.PeekOrCreate(FromString("/a/x"))
	other.Put("k", 1)
	s.dc.Prune(created)
	c.Assert(s.dc.Exists(FromString("/a/b")), IsFalse)
	c.Assert(s.dc.Exists(FromString("/a")), IsTrue)
	c.Assert(s.dc.Exists(FromString("/a/x")), IsTrue)
}

func (s *testContainerSuite) TestSubtreeOrderAndExport(c *C) {
	for _, p := range []string{"/b", "/a/z", "/a/b/c", "/a"} {
		n, _ := s.dc.PeekOrCreate(FromString(p))
		n.Put("p", p)
	}
	var got []string
	for _, n := range s.dc.Subtree(FromString("/a")) {
		got = append(got, n.Fqn().String())
	}
	c.Assert(got, DeepEquals, []string{"/a", "/a/b", "/a/b/c", "/a/z"})
	exported := s.dc.Export(FromString("/a"))
	c.Assert(exported, HasLen, 4)
	c.Assert(exported[2].Data["p"], Equals, "/a/b/c")

	other := NewDataContainer()
	other.Import(exported)
	n, ok := other.Peek(FromString("/a/z"))
	c.Assert(ok, IsTrue)
	v, _ := n.Get("p")
	c.Assert(v, Equals, "/a/z")
	c.Assert(other.NumAttributes(), Equals, 3)
}

func (s *testContainerSuite) TestEviction(c *C) {
	leaf, _ := s.dc.PeekOrCreate(FromString("/a/b"))
	leaf.Put("k", 1)
	pinned, _ := s.dc.PeekOrCreate(FromString("/a/pinned"))
	pinned.SetResident(true)
	a, _ := s.dc.Peek(FromString("/a"))
	a.Put("k", 2)

	candidates := s.dc.NodesForEviction(FromString("/a"), true)
	c.Assert(fqnStrings(candidates), DeepEquals, []string{"/a/b", "/a"})

	for _, f := range candidates {
		c.Assert(s.dc.Evict(f), IsTrue)
	}
	c.Assert(s.dc.Exists(FromString("/a/b")), IsFalse)
	c.Assert(s.dc.Exists(FromString("/a/pinned")), IsTrue)
	c.Assert(a.NumAttributes(), Equals, 0)
	c.Assert(s.dc.Evict(FromString("/nope")), IsFalse)
}

func (s *testContainerSuite) TestInvalidate(c *C) {
	n, _ := s.dc.PeekOrCreate(FromString("/a/b"))
	n.Put("k", 1)
	c.Assert(s.dc.Invalidate(FromString("/a")), IsTrue)
	c.Assert(s.dc.Exists(FromString("/a")), IsFalse)
	c.Assert(s.dc.Exists(FromString("/a/b")), IsFalse)
	_, ok := s.dc.PeekAny(FromString("/a/b"))
	c.Assert(ok, IsTrue)

	n, created := s.dc.PeekOrCreate(FromString("/a/b"))
	c.Assert(fqnStrings(created), DeepEquals, []string{"/a", "/a/b"})
	c.Assert(n.NumAttributes(), Equals, 0)
	c.Assert(s.dc.Exists(FromString("/a/b")), IsTrue)
}

func (s *testContainerSuite) TestVersions(c *C) {
	v := ZeroVersion
	next := v.Increment()
	c.Assert(next.NewerThan(v), IsTrue)
	c.Assert(v.NewerThan(next), IsFalse)
	c.Assert(v.NewerThan(nil), IsTrue)
	c.Assert(SameVersion(next, DefaultDataVersion(1)), IsTrue)
	c.Assert(SameVersion(nil, v), IsFalse)
}
