// Package sandbox executes untrusted step programs inside an embedded Lua
// interpreter. Programs are validated syntactically before execution, run in
// an environment stripped to a curated set of pure built-ins, and reach the
// outside world only through the injected context, state, and tool globals.
package sandbox

import (
	"fmt"
	"strings"

	"github.com/yuin/gopher-lua/ast"
	"github.com/yuin/gopher-lua/parse"
)

// Violation is one policy rule breach, reported with source position.
type Violation struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
	Line    int    `json:"line"`
	Col     int    `json:"col"`
}

// Policy rule identifiers.
const (
	RuleSyntax           = "syntax"
	RuleModuleImport     = "module-import"
	RuleBannedIdentifier = "banned-identifier"
	RuleUnderscoreGlobal = "underscore-global"
	RuleDunderAttribute  = "dunder-attribute"
	RuleGlobalAssign     = "global-assign"
)

// loadFamily names the module-import entry points.
var loadFamily = map[string]bool{
	"require":    true,
	"dofile":     true,
	"load":       true,
	"loadfile":   true,
	"loadstring": true,
	"module":     true,
}

// bannedIdentifiers names globals a program may never reference. The same
// names are stripped from the execution environment; the validator makes the
// breach a structured pre-execution error instead of a nil-index crash.
var bannedIdentifiers = map[string]bool{
	"require":        true,
	"dofile":         true,
	"load":           true,
	"loadfile":       true,
	"loadstring":     true,
	"module":         true,
	"os":             true,
	"io":             true,
	"debug":          true,
	"package":        true,
	"coroutine":      true,
	"channel":        true,
	"getfenv":        true,
	"setfenv":        true,
	"rawget":         true,
	"rawset":         true,
	"rawequal":       true,
	"rawlen":         true,
	"getmetatable":   true,
	"setmetatable":   true,
	"collectgarbage": true,
	"newproxy":       true,
	// pcall would let a program intercept the yield/final unwind.
	"pcall":  true,
	"xpcall": true,
}

// Validate parses code and walks the AST against the policy rules. A nil
// result means the program may run. Unparseable code is itself a violation.
func Validate(code string) []Violation {
	chunk, err := parse.Parse(strings.NewReader(code), "step")
	if err != nil {
		v := Violation{Rule: RuleSyntax, Message: err.Error()}
		if perr, ok := err.(*parse.Error); ok {
			v.Line = perr.Pos.Line
			v.Col = perr.Pos.Column
		}
		return []Violation{v}
	}

	w := &walker{scopes: []map[string]bool{{}}}
	w.block(chunk)
	return w.violations
}

// walker tracks lexical scope while collecting violations. Assignment to a
// name that is not a local (and is not the rebindable state global) is a
// program-global declaration.
type walker struct {
	scopes     []map[string]bool
	violations []Violation
}

func (w *walker) push() { w.scopes = append(w.scopes, map[string]bool{}) }
func (w *walker) pop()  { w.scopes = w.scopes[:len(w.scopes)-1] }

func (w *walker) declare(name string) {
	w.scopes[len(w.scopes)-1][name] = true
}

func (w *walker) isLocal(name string) bool {
	for i := len(w.scopes) - 1; i >= 0; i-- {
		if w.scopes[i][name] {
			return true
		}
	}
	return false
}

func (w *walker) report(rule, message string, node ast.PositionHolder) {
	line := 0
	if node != nil {
		line = node.Line()
	}
	w.violations = append(w.violations, Violation{Rule: rule, Message: message, Line: line})
}

// block walks statements inside one already-pushed scope.
func (w *walker) block(stmts []ast.Stmt) {
	for _, s := range stmts {
		w.stmt(s)
	}
}

// scopedBlock walks statements in a fresh nested scope.
func (w *walker) scopedBlock(stmts []ast.Stmt) {
	w.push()
	w.block(stmts)
	w.pop()
}

func (w *walker) stmt(s ast.Stmt) {
	switch st := s.(type) {
	case *ast.LocalAssignStmt:
		// RHS sees the enclosing scope, not the new names.
		for _, e := range st.Exprs {
			w.expr(e)
		}
		for _, name := range st.Names {
			w.declare(name)
		}
	case *ast.AssignStmt:
		for _, e := range st.Rhs {
			w.expr(e)
		}
		for _, lhs := range st.Lhs {
			if ident, ok := lhs.(*ast.IdentExpr); ok {
				if ident.Value != "state" && !w.isLocal(ident.Value) {
					w.report(RuleGlobalAssign,
						fmt.Sprintf("assignment to global %q", ident.Value), ident)
				}
				continue
			}
			w.expr(lhs)
		}
	case *ast.FuncCallStmt:
		w.expr(st.Expr)
	case *ast.DoBlockStmt:
		w.scopedBlock(st.Stmts)
	case *ast.WhileStmt:
		w.expr(st.Condition)
		w.scopedBlock(st.Stmts)
	case *ast.RepeatStmt:
		// The until condition sees the loop body's locals.
		w.push()
		w.block(st.Stmts)
		w.expr(st.Condition)
		w.pop()
	case *ast.IfStmt:
		w.expr(st.Condition)
		w.scopedBlock(st.Then)
		w.scopedBlock(st.Else)
	case *ast.NumberForStmt:
		w.expr(st.Init)
		w.expr(st.Limit)
		if st.Step != nil {
			w.expr(st.Step)
		}
		w.push()
		w.declare(st.Name)
		w.block(st.Stmts)
		w.pop()
	case *ast.GenericForStmt:
		for _, e := range st.Exprs {
			w.expr(e)
		}
		w.push()
		for _, name := range st.Names {
			w.declare(name)
		}
		w.block(st.Stmts)
		w.pop()
	case *ast.FuncDefStmt:
		if st.Name.Func != nil {
			if ident, ok := st.Name.Func.(*ast.IdentExpr); ok && !w.isLocal(ident.Value) {
				w.report(RuleGlobalAssign,
					fmt.Sprintf("declaration of global function %q", ident.Value), ident)
			} else {
				w.expr(st.Name.Func)
			}
		}
		if st.Name.Receiver != nil {
			w.expr(st.Name.Receiver)
		}
		w.function(st.Func, st.Name.Method)
	case *ast.ReturnStmt:
		for _, e := range st.Exprs {
			w.expr(e)
		}
	}
	// break, label, and goto carry no names to check.
}

func (w *walker) function(fn *ast.FunctionExpr, method string) {
	w.push()
	if method != "" {
		w.declare("self")
	}
	if fn.ParList != nil {
		for _, name := range fn.ParList.Names {
			w.declare(name)
		}
	}
	w.block(fn.Stmts)
	w.pop()
}

func (w *walker) expr(e ast.Expr) {
	switch ex := e.(type) {
	case *ast.IdentExpr:
		w.ident(ex)
	case *ast.AttrGetExpr:
		w.expr(ex.Object)
		if key, ok := ex.Key.(*ast.StringExpr); ok {
			if strings.HasPrefix(key.Value, "__") {
				w.report(RuleDunderAttribute,
					fmt.Sprintf("access to attribute %q", key.Value), ex)
			}
		} else {
			w.expr(ex.Key)
		}
	case *ast.FuncCallExpr:
		if ident, ok := ex.Func.(*ast.IdentExpr); ok && loadFamily[ident.Value] {
			w.report(RuleModuleImport,
				fmt.Sprintf("call to %q", ident.Value), ex)
		} else if ex.Func != nil {
			w.expr(ex.Func)
		}
		if ex.Receiver != nil {
			w.expr(ex.Receiver)
			if strings.HasPrefix(ex.Method, "__") {
				w.report(RuleDunderAttribute,
					fmt.Sprintf("call to method %q", ex.Method), ex)
			}
		}
		for _, arg := range ex.Args {
			w.expr(arg)
		}
	case *ast.FunctionExpr:
		w.function(ex, "")
	case *ast.TableExpr:
		for _, field := range ex.Fields {
			if field.Key != nil {
				w.expr(field.Key)
			}
			w.expr(field.Value)
		}
	case *ast.LogicalOpExpr:
		w.expr(ex.Lhs)
		w.expr(ex.Rhs)
	case *ast.RelationalOpExpr:
		w.expr(ex.Lhs)
		w.expr(ex.Rhs)
	case *ast.StringConcatOpExpr:
		w.expr(ex.Lhs)
		w.expr(ex.Rhs)
	case *ast.ArithmeticOpExpr:
		w.expr(ex.Lhs)
		w.expr(ex.Rhs)
	case *ast.UnaryMinusOpExpr:
		w.expr(ex.Expr)
	case *ast.UnaryNotOpExpr:
		w.expr(ex.Expr)
	case *ast.UnaryLenOpExpr:
		w.expr(ex.Expr)
	}
	// Literals carry no names to check.
}

func (w *walker) ident(e *ast.IdentExpr) {
	name := e.Value
	if w.isLocal(name) {
		return
	}
	if loadFamily[name] {
		w.report(RuleModuleImport, fmt.Sprintf("reference to %q", name), e)
		return
	}
	if bannedIdentifiers[name] {
		w.report(RuleBannedIdentifier, fmt.Sprintf("reference to %q", name), e)
		return
	}
	if strings.HasPrefix(name, "_") && name != "_" {
		w.report(RuleUnderscoreGlobal,
			fmt.Sprintf("reference to underscore global %q", name), e)
	}
}
