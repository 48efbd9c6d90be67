package server

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// methodType is one callable method. Its dispatch key is the method name plus the declared
// parameter types, e.g. "Hello(string)". A leading context.Context is injected, not declared.
type methodType struct {
	method     reflect.Method
	withCtx    bool
	ParamTypes []reflect.Type
	hasValue   bool // returns (T, error) rather than error
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType // signature → method
	names  map[string]bool
}

// newService scans rcvr for exported methods returning error or (T, error).
// An empty name defaults to the receiver's type name.
func newService(name string, rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil {
		return nil, fmt.Errorf("rpc: nil receiver")
	}
	if name == "" {
		base := typ
		if base.Kind() == reflect.Ptr {
			base = base.Elem()
		}
		name = base.Name()
	}
	if name == "" {
		return nil, fmt.Errorf("rpc: no interface name for %s", typ)
	}
	s := &service{
		name:   name,
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
		names:  make(map[string]bool),
	}
	s.registerMethods()
	if len(s.method) == 0 {
		return nil, fmt.Errorf("rpc: %s has no exported method returning error", name)
	}
	return s, nil
}

func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		m := s.typ.Method(i)
		mt := m.Type
		nOut := mt.NumOut()
		if nOut < 1 || nOut > 2 || mt.Out(nOut-1) != errorType {
			continue
		}
		mtype := &methodType{method: m, hasValue: nOut == 2}
		for j := 1; j < mt.NumIn(); j++ {
			in := mt.In(j)
			if j == 1 && in == contextType {
				mtype.withCtx = true
				continue
			}
			mtype.ParamTypes = append(mtype.ParamTypes, in)
		}
		s.method[signature(m.Name, typeNames(mtype.ParamTypes))] = mtype
		s.names[m.Name] = true
	}
}

func typeNames(types []reflect.Type) []string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = t.String()
	}
	return names
}

func signature(method string, paramTypes []string) string {
	return method + "(" + strings.Join(paramTypes, ",") + ")"
}

func (s *service) lookup(method string, paramTypes []string) (*methodType, error) {
	if m, ok := s.method[signature(method, paramTypes)]; ok {
		return m, nil
	}
	if s.names[method] {
		return nil, fmt.Errorf("rpc: %s.%s has no overload %s", s.name, method, signature(method, paramTypes))
	}
	return nil, fmt.Errorf("rpc: can't find method %s.%s", s.name, method)
}

// call decodes args, invokes the method and encodes its value. A panicking method becomes an error.
func (s *service) call(ctx context.Context, m *methodType, args []json.RawMessage) (payload []byte, err error) {
	if len(args) != len(m.ParamTypes) {
		return nil, fmt.Errorf("rpc: %s.%s takes %d args, got %d", s.name, m.method.Name, len(m.ParamTypes), len(args))
	}
	in := make([]reflect.Value, 0, len(args)+2)
	in = append(in, s.rcvr)
	if m.withCtx {
		in = append(in, reflect.ValueOf(ctx))
	}
	for i, t := range m.ParamTypes {
		argv := reflect.New(t)
		if err := json.Unmarshal(args[i], argv.Interface()); err != nil {
			return nil, fmt.Errorf("rpc: decode arg %d of %s.%s: %w", i, s.name, m.method.Name, err)
		}
		in = append(in, argv.Elem())
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rpc: %s.%s panicked: %v", s.name, m.method.Name, r)
		}
	}()
	results := m.method.Func.Call(in)

	if errv := results[len(results)-1]; !errv.IsNil() {
		return nil, errv.Interface().(error)
	}
	if !m.hasValue {
		return nil, nil
	}
	payload, err = json.Marshal(results[0].Interface())
	if err != nil {
		return nil, fmt.Errorf("rpc: encode result of %s.%s: %w", s.name, m.method.Name, err)
	}
	return payload, nil
}
