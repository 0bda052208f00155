package commands

import (
	"context"
	"fmt"

	"github.com/pingcap-incubator/tinytree/cache/storage"
)

// GetKeyValue returns the attribute value, nil when the node or key is absent.
type GetKeyValue struct {
	CommandBase
	Key string
}

func NewGetKeyValue(fqn storage.Fqn, key string) *GetKeyValue {
	return &GetKeyValue{CommandBase: CommandBase{fqn}, Key: key}
}

func (c *GetKeyValue) Kind() Kind { return KindGetKeyValue }

func (c *GetKeyValue) Perform(_ context.Context, da DataAccess) (interface{}, error) {
	n, ok := da.Peek(c.fqn)
	if !ok {
		return nil, nil
	}
	v, _ := n.Get(c.Key)
	return v, nil
}

func (c *GetKeyValue) String() string {
	return fmt.Sprintf("GetKeyValue{%s, %s}", c.fqn, c.Key)
}

// GetNode returns a *storage.NodeData copy of the node, nil when absent.
type GetNode struct {
	CommandBase
}

func NewGetNode(fqn storage.Fqn) *GetNode {
	return &GetNode{CommandBase{fqn}}
}

func (c *GetNode) Kind() Kind { return KindGetNode }

func (c *GetNode) Perform(_ context.Context, da DataAccess) (interface{}, error) {
	n, ok := da.Peek(c.fqn)
	if !ok {
		return (*storage.NodeData)(nil), nil
	}
	return &storage.NodeData{Fqn: c.fqn, Data: n.Data()}, nil
}

func (c *GetNode) String() string {
	return fmt.Sprintf("GetNode{%s}", c.fqn)
}

// GetKeys returns the sorted attribute keys, nil when the node is absent.
type GetKeys struct {
	CommandBase
}

func NewGetKeys(fqn storage.Fqn) *GetKeys {
	return &GetKeys{CommandBase{fqn}}
}

func (c *GetKeys) Kind() Kind { return KindGetKeys }

func (c *GetKeys) Perform(_ context.Context, da DataAccess) (interface{}, error) {
	n, ok := da.Peek(c.fqn)
	if !ok {
		return []string(nil), nil
	}
	return n.Keys(), nil
}

func (c *GetKeys) String() string {
	return fmt.Sprintf("GetKeys{%s}", c.fqn)
}

// GetChildrenNames returns the sorted child names, nil when the node is absent.
type GetChildrenNames struct {
	CommandBase
}

func NewGetChildrenNames(fqn storage.Fqn) *GetChildrenNames {
	return &GetChildrenNames{CommandBase{fqn}}
}

func (c *GetChildrenNames) Kind() Kind { return KindGetChildrenNames }

func (c *GetChildrenNames) Perform(_ context.Context, da DataAccess) (interface{}, error) {
	n, ok := da.Peek(c.fqn)
	if !ok {
		return []string(nil), nil
	}
	return n.ChildrenNames(), nil
}

func (c *GetChildrenNames) String() string {
	return fmt.Sprintf("GetChildrenNames{%s}", c.fqn)
}

type Exists struct {
	CommandBase
}

func NewExists(fqn storage.Fqn) *Exists {
	return &Exists{CommandBase{fqn}}
}

func (c *Exists) Kind() Kind { return KindExists }

func (c *Exists) Perform(_ context.Context, da DataAccess) (interface{}, error) {
	_, ok := da.Peek(c.fqn)
	return ok, nil
}

func (c *Exists) String() string {
	return fmt.Sprintf("Exists{%s}", c.fqn)
}

// GravitateResult is the answer to a data gravitation request.
type GravitateResult struct {
	Found bool
	Data  []storage.NodeData
}

// Gravitate exports a subtree so a peer can take ownership of it.
type Gravitate struct {
	CommandBase
}

func NewGravitate(fqn storage.Fqn) *Gravitate {
	return &Gravitate{CommandBase{fqn}}
}

func (c *Gravitate) Kind() Kind { return KindGravitate }

func (c *Gravitate) Perform(_ context.Context, da DataAccess) (interface{}, error) {
	data := da.Export(c.fqn)
	return &GravitateResult{Found: len(data) > 0, Data: data}, nil
}

func (c *Gravitate) String() string {
	return fmt.Sprintf("Gravitate{%s}", c.fqn)
}
