package descriptor

import (
	"strconv"

	apperrors "github.com/sepidehpouyan/reactive-tools/internal/errors"
)

// NodeOf returns the common Node embedded in any node variant pointer.
func NodeOf(n any) *Node {
	switch v := n.(type) {
	case *SancusNode:
		return &v.Node
	case *SGXNode:
		return &v.Node
	case *NativeNode:
		return &v.Node
	case *TrustZoneNode:
		return &v.Node
	default:
		return nil
	}
}

// ModuleOf returns the common Module embedded in any module variant pointer.
func ModuleOf(m any) *Module {
	switch v := m.(type) {
	case *SancusModule:
		return &v.Module
	case *SgxModule:
		return &v.Module
	case *NativeModule:
		return &v.Module
	case *TrustZoneModule:
		return &v.Module
	default:
		return nil
	}
}

// GetNode resolves a node by name.
func (c *Config) GetNode(name string) (any, error) {
	for _, n := range c.Nodes {
		if NodeOf(n).Name == name {
			return n, nil
		}
	}
	return nil, apperrors.New(apperrors.DescUnknownName, "no node with this name").WithDetail("name", name)
}

// GetModule resolves a module by name.
func (c *Config) GetModule(name string) (any, error) {
	for _, m := range c.Modules {
		if ModuleOf(m).Name == name {
			return m, nil
		}
	}
	return nil, apperrors.New(apperrors.DescUnknownName, "no module with this name").WithDetail("name", name)
}

// GetConnectionByID resolves a connection by its dense numeric id.
func (c *Config) GetConnectionByID(id uint16) (*Connection, error) {
	for _, conn := range c.Connections {
		if conn.ID == id {
			return conn, nil
		}
	}
	return nil, apperrors.New(apperrors.DescUnknownName, "no connection with this id").WithDetail("id", id)
}

// GetConnectionByName resolves a connection by name.
func (c *Config) GetConnectionByName(name string) (*Connection, error) {
	for _, conn := range c.Connections {
		if conn.Name == name {
			return conn, nil
		}
	}
	return nil, apperrors.New(apperrors.DescUnknownName, "no connection with this name").WithDetail("name", name)
}

// ResolveEndpointID applies the numeric-string short-circuit that all five
// endpoint-kind resolvers share (input/output/request/handler/entry): if
// name already parses as a non-negative integer, it's returned verbatim
// without consulting the module's symbol table / data dictionary. Otherwise
// lookup is delegated to byName.
func ResolveEndpointID(name string, byName func(string) (int, error)) (int, error) {
	if n, err := strconv.Atoi(name); err == nil && n >= 0 {
		return n, nil
	}
	return byName(name)
}
