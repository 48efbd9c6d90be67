package client

import "context"

// Method is a typed stub for one remote method. Application code implements its own Go interface
// with one Method per remote method:
//
//	type greeterStub struct{ hello *client.Method[string] }
//
//	func (g *greeterStub) Hello(ctx context.Context, name string) (string, error) {
//		return g.hello.Invoke(ctx, name)
//	}
type Method[R any] struct {
	client     *Client
	iface      string
	name       string
	paramTypes []string
}

// NewMethod binds iface.name with its provider-side parameter type descriptors.
func NewMethod[R any](c *Client, iface, name string, paramTypes ...string) *Method[R] {
	return &Method[R]{client: c, iface: iface, name: name, paramTypes: paramTypes}
}

// Invoke calls the method with args, which must match the bound parameter types in number.
func (m *Method[R]) Invoke(ctx context.Context, args ...any) (R, error) {
	var out R
	err := m.client.Call(ctx, m.iface, m.name, m.paramTypes, args, &out)
	return out, err
}
