// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package lua checks Lua plugin entry points against the restricted
// environment plugins run in. Nothing here executes plugin code: chunks are
// parsed, compiled and inspected.
package lua

import (
	"slices"
	"strings"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/ast"
	"github.com/yuin/gopher-lua/parse"
)

// Entry points get the pure-computation libraries only.
var pureLibraries = []string{lua.BaseLibName, lua.TabLibName, lua.StringLibName, lua.MathLibName}

// Names that reach outside the sandbox: the withheld libraries and the base
// functions that load code, files or environments.
var deniedGlobals = []string{
	lua.OsLibName, lua.IoLibName, lua.DebugLibName, lua.LoadLibName, lua.CoroutineLibName, lua.ChannelLibName,
	"dofile", "loadfile", "loadstring", "load", "require", "module", "getfenv", "setfenv",
}

// Calls allowed while the module loads. Anything else at the top level would
// run work before the host has applied its limits.
var loadTimeCalls = []string{"setmetatable"}

// Report describes a checked chunk.
type Report struct {
	// Exports lists the function-valued string keys of the module table,
	// sorted.
	Exports []string
}

// Sandbox describes the environment entry points are checked against.
type Sandbox struct {
	libraries []string
	denied    []string
}

// New returns the sandbox plugind installs Lua plugins into.
func New() *Sandbox {
	return &Sandbox{libraries: pureLibraries, denied: deniedGlobals}
}

// Libraries returns the names of the libraries plugins can use.
func (s *Sandbox) Libraries() []string {
	return slices.Clone(s.libraries)
}

// Compile parses source into a function prototype without running it.
func Compile(name, source string) (*lua.FunctionProto, error) {
	_, proto, err := compile(name, source)
	return proto, err
}

func compile(name, source string) ([]ast.Stmt, *lua.FunctionProto, error) {
	chunk, err := parse.Parse(strings.NewReader(source), name)
	if err != nil {
		return nil, nil, oops.Code("LUA_SYNTAX").With("chunk", name).Wrap(err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, nil, oops.Code("LUA_COMPILE").With("chunk", name).Wrap(err)
	}
	return chunk, proto, nil
}

// Preflight compiles source and checks it without running it. The chunk
// must not name a denied global anywhere, must do no work at load time
// beyond building tables and functions, and must end by returning its
// module.
func (s *Sandbox) Preflight(name, source string) (*Report, error) {
	chunk, _, err := compile(name, source)
	if err != nil {
		return nil, err
	}

	c := &checker{deny: s.denied}
	c.block(newScope(nil), chunk, true)
	if len(c.uses) > 0 {
		return nil, oops.Code("LUA_DENIED_GLOBAL").
			With("chunk", name).
			With("globals", c.deniedNames()).
			With("line", c.uses[0].line).
			Errorf("%s uses %s, which plugins cannot access", name, c.uses[0].name)
	}
	if len(c.work) > 0 {
		return nil, oops.Code("LUA_LOAD_WORK").
			With("chunk", name).
			With("line", c.work[0].line).
			Errorf("%s runs %s while loading; move it into a function", name, c.work[0].name)
	}

	module, ok := moduleExpr(chunk)
	if !ok {
		return nil, oops.Code("LUA_NO_MODULE").With("chunk", name).
			Errorf("%s must end by returning its module table", name)
	}
	return &Report{Exports: exports(chunk, module)}, nil
}

type finding struct {
	name string
	line int
}

type scope struct {
	parent *scope
	names  map[string]bool
}

func newScope(parent *scope) *scope {
	return &scope{parent: parent, names: map[string]bool{}}
}

func (s *scope) declare(names ...string) {
	for _, n := range names {
		s.names[n] = true
	}
}

func (s *scope) local(name string) bool {
	for sc := s; sc != nil; sc = sc.parent {
		if sc.names[name] {
			return true
		}
	}
	return false
}

// checker walks a chunk collecting denied globals and load-time work.
// top is true outside every function body.
type checker struct {
	deny []string
	uses []finding
	work []finding
}

func (c *checker) deniedNames() []string {
	names := make([]string, 0, len(c.uses))
	for _, f := range c.uses {
		names = append(names, f.name)
	}
	slices.Sort(names)
	return slices.Compact(names)
}

func (c *checker) block(sc *scope, stmts []ast.Stmt, top bool) {
	for _, st := range stmts {
		c.stmt(sc, st, top)
	}
}

func (c *checker) stmt(sc *scope, st ast.Stmt, top bool) {
	switch s := st.(type) {
	case *ast.AssignStmt:
		c.exprs(sc, s.Lhs, top)
		c.exprs(sc, s.Rhs, top)
	case *ast.LocalAssignStmt:
		if isLocalFunction(s) {
			sc.declare(s.Names...)
			c.exprs(sc, s.Exprs, top)
			return
		}
		c.exprs(sc, s.Exprs, top)
		sc.declare(s.Names...)
	case *ast.FuncCallStmt:
		c.expr(sc, s.Expr, top)
	case *ast.DoBlockStmt:
		c.block(newScope(sc), s.Stmts, top)
	case *ast.WhileStmt:
		c.loop(s, "a while loop", top)
		c.expr(sc, s.Condition, top)
		c.block(newScope(sc), s.Stmts, top)
	case *ast.RepeatStmt:
		c.loop(s, "a repeat loop", top)
		inner := newScope(sc)
		c.block(inner, s.Stmts, top)
		c.expr(inner, s.Condition, top)
	case *ast.IfStmt:
		c.expr(sc, s.Condition, top)
		c.block(newScope(sc), s.Then, top)
		c.block(newScope(sc), s.Else, top)
	case *ast.NumberForStmt:
		c.loop(s, "a for loop", top)
		c.exprs(sc, []ast.Expr{s.Init, s.Limit, s.Step}, top)
		inner := newScope(sc)
		inner.declare(s.Name)
		c.block(inner, s.Stmts, top)
	case *ast.GenericForStmt:
		c.loop(s, "a for loop", top)
		c.exprs(sc, s.Exprs, top)
		inner := newScope(sc)
		inner.declare(s.Names...)
		c.block(inner, s.Stmts, top)
	case *ast.FuncDefStmt:
		if s.Name.Func != nil {
			c.expr(sc, s.Name.Func, top)
		} else {
			c.expr(sc, s.Name.Receiver, top)
		}
		c.function(sc, s.Func, s.Name.Func == nil)
	case *ast.ReturnStmt:
		c.exprs(sc, s.Exprs, top)
	}
}

func (c *checker) loop(st ast.Stmt, what string, top bool) {
	if top {
		c.work = append(c.work, finding{name: what, line: st.Line()})
	}
}

func (c *checker) exprs(sc *scope, es []ast.Expr, top bool) {
	for _, e := range es {
		if e != nil {
			c.expr(sc, e, top)
		}
	}
}

func (c *checker) expr(sc *scope, e ast.Expr, top bool) {
	switch x := e.(type) {
	case *ast.IdentExpr:
		if !sc.local(x.Value) && slices.Contains(c.deny, x.Value) {
			c.uses = append(c.uses, finding{name: x.Value, line: x.Line()})
		}
	case *ast.AttrGetExpr:
		c.expr(sc, x.Object, top)
		c.expr(sc, x.Key, top)
	case *ast.TableExpr:
		for _, f := range x.Fields {
			if f.Key != nil {
				c.expr(sc, f.Key, top)
			}
			c.expr(sc, f.Value, top)
		}
	case *ast.FuncCallExpr:
		if top && !c.loadTimeCall(sc, x) {
			c.work = append(c.work, finding{name: "a call to " + callName(x), line: x.Line()})
		}
		if x.Func != nil {
			c.expr(sc, x.Func, top)
		}
		if x.Receiver != nil {
			c.expr(sc, x.Receiver, top)
		}
		c.exprs(sc, x.Args, top)
	case *ast.LogicalOpExpr:
		c.exprs(sc, []ast.Expr{x.Lhs, x.Rhs}, top)
	case *ast.RelationalOpExpr:
		c.exprs(sc, []ast.Expr{x.Lhs, x.Rhs}, top)
	case *ast.StringConcatOpExpr:
		c.exprs(sc, []ast.Expr{x.Lhs, x.Rhs}, top)
	case *ast.ArithmeticOpExpr:
		c.exprs(sc, []ast.Expr{x.Lhs, x.Rhs}, top)
	case *ast.UnaryMinusOpExpr:
		c.expr(sc, x.Expr, top)
	case *ast.UnaryNotOpExpr:
		c.expr(sc, x.Expr, top)
	case *ast.UnaryLenOpExpr:
		c.expr(sc, x.Expr, top)
	case *ast.FunctionExpr:
		c.function(sc, x, false)
	}
}

// function checks a body. Bodies run only when the host calls them, so
// nothing inside counts as load-time work.
func (c *checker) function(sc *scope, fn *ast.FunctionExpr, method bool) {
	inner := newScope(sc)
	if method {
		inner.declare("self")
	}
	if fn.ParList != nil {
		inner.declare(fn.ParList.Names...)
	}
	c.block(inner, fn.Stmts, false)
}

func (c *checker) loadTimeCall(sc *scope, call *ast.FuncCallExpr) bool {
	id, ok := call.Func.(*ast.IdentExpr)
	return ok && !sc.local(id.Value) && slices.Contains(loadTimeCalls, id.Value)
}

func callName(call *ast.FuncCallExpr) string {
	if call.Receiver != nil {
		return exprName(call.Receiver) + ":" + call.Method
	}
	return exprName(call.Func)
}

func exprName(e ast.Expr) string {
	switch x := e.(type) {
	case *ast.IdentExpr:
		return x.Value
	case *ast.AttrGetExpr:
		if key, ok := x.Key.(*ast.StringExpr); ok {
			return exprName(x.Object) + "." + key.Value
		}
		return exprName(x.Object) + "[...]"
	default:
		return "an expression"
	}
}

func isLocalFunction(s *ast.LocalAssignStmt) bool {
	if len(s.Names) != 1 || len(s.Exprs) != 1 {
		return false
	}
	_, ok := s.Exprs[0].(*ast.FunctionExpr)
	return ok
}

// moduleExpr returns the expression of the chunk's final top-level return
// when it can evaluate to a table.
func moduleExpr(chunk []ast.Stmt) (ast.Expr, bool) {
	if len(chunk) == 0 {
		return nil, false
	}
	ret, ok := chunk[len(chunk)-1].(*ast.ReturnStmt)
	if !ok || len(ret.Exprs) != 1 {
		return nil, false
	}
	switch ret.Exprs[0].(type) {
	case *ast.TableExpr, *ast.IdentExpr, *ast.AttrGetExpr, *ast.FuncCallExpr, *ast.LogicalOpExpr:
		return ret.Exprs[0], true
	default:
		return nil, false
	}
}

// exports finds the functions of the module table: fields of the returned
// constructor, or of the top-level local it names together with the
// functions later assigned into it.
func exports(chunk []ast.Stmt, module ast.Expr) []string {
	localFuncs := map[string]bool{}
	tables := map[string]*ast.TableExpr{}
	for _, st := range chunk {
		s, ok := st.(*ast.LocalAssignStmt)
		if !ok {
			continue
		}
		for i, n := range s.Names {
			if i >= len(s.Exprs) {
				break
			}
			switch v := s.Exprs[i].(type) {
			case *ast.FunctionExpr:
				localFuncs[n] = true
			case *ast.TableExpr:
				tables[n] = v
			}
		}
	}
	isFunc := func(e ast.Expr) bool {
		switch v := e.(type) {
		case *ast.FunctionExpr:
			return true
		case *ast.IdentExpr:
			return localFuncs[v.Value]
		}
		return false
	}

	var names []string
	fields := func(t *ast.TableExpr) {
		for _, f := range t.Fields {
			if key, ok := f.Key.(*ast.StringExpr); ok && isFunc(f.Value) {
				names = append(names, key.Value)
			}
		}
	}

	switch m := module.(type) {
	case *ast.TableExpr:
		fields(m)
	case *ast.IdentExpr:
		if t, ok := tables[m.Value]; ok {
			fields(t)
		}
		for _, st := range chunk {
			names = append(names, assignedFunctions(st, m.Value, isFunc)...)
		}
	}
	slices.Sort(names)
	return slices.Compact(names)
}

// assignedFunctions returns the keys st defines as functions on table.
func assignedFunctions(st ast.Stmt, table string, isFunc func(ast.Expr) bool) []string {
	field := func(e ast.Expr) (string, bool) {
		get, ok := e.(*ast.AttrGetExpr)
		if !ok {
			return "", false
		}
		obj, ok := get.Object.(*ast.IdentExpr)
		if !ok || obj.Value != table {
			return "", false
		}
		key, ok := get.Key.(*ast.StringExpr)
		if !ok {
			return "", false
		}
		return key.Value, true
	}

	switch s := st.(type) {
	case *ast.FuncDefStmt:
		if s.Name.Func == nil {
			if obj, ok := s.Name.Receiver.(*ast.IdentExpr); ok && obj.Value == table {
				return []string{s.Name.Method}
			}
			return nil
		}
		if key, ok := field(s.Name.Func); ok {
			return []string{key}
		}
	case *ast.AssignStmt:
		var out []string
		for i, lhs := range s.Lhs {
			if i >= len(s.Rhs) {
				break
			}
			if key, ok := field(lhs); ok && isFunc(s.Rhs[i]) {
				out = append(out, key)
			}
		}
		return out
	}
	return nil
}
