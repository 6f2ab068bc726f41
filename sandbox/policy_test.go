package sandbox

import (
	"testing"
)

func firstRule(t *testing.T, code string) string {
	t.Helper()
	violations := Validate(code)
	if len(violations) == 0 {
		t.Fatalf("expected violations for %q", code)
	}
	return violations[0].Rule
}

func TestValidate_AllowsTypicalPrograms(t *testing.T) {
	programs := []string{
		`tool.final("ok")`,
		`local d = context:doc(0)
local s = d:slice(0, 5)
tool.final(s)`,
		`local hits = context:doc(0):find("beta", 4)
for i, h in ipairs(hits) do
  print(h[1], h[2])
end
tool.yield("scanning")`,
		`state = { count = 1, seen = { "a", "b" } }
tool.yield()`,
		`local b = state["_budgets"]
if b ~= nil then print(b) end
tool.yield()`,
		`local function helper(x) return x * 2 end
tool.final(tostring(helper(21)))`,
		`local acc = 0
for i = 1, 10 do acc = acc + i end
tool.final(tostring(acc))`,
		`local t = {}
table.insert(t, string.upper("abc"))
tool.final(t[1])`,
	}
	for _, code := range programs {
		if violations := Validate(code); len(violations) != 0 {
			t.Errorf("program rejected: %+v\n%s", violations, code)
		}
	}
}

func TestValidate_RejectsModuleImports(t *testing.T) {
	for _, code := range []string{
		`local m = require("os")`,
		`dofile("x.lua")`,
		`local f = loadstring("print(1)")`,
		`load("return 1")()`,
	} {
		if got := firstRule(t, code); got != RuleModuleImport {
			t.Errorf("rule = %s, want %s for %q", got, RuleModuleImport, code)
		}
	}
}

func TestValidate_RejectsBannedIdentifiers(t *testing.T) {
	for _, code := range []string{
		`print(os.time())`,
		`io.write("x")`,
		`debug.traceback()`,
		`local mt = getmetatable("")`,
		`setmetatable({}, {})`,
		`rawset(state, "x", 1)`,
		`local co = coroutine.create(function() end)`,
		`pcall(function() end)`,
		`collectgarbage("collect")`,
	} {
		if got := firstRule(t, code); got != RuleBannedIdentifier {
			t.Errorf("rule = %s, want %s for %q", got, RuleBannedIdentifier, code)
		}
	}
}

func TestValidate_RejectsUnderscoreGlobals(t *testing.T) {
	for _, code := range []string{
		`local g = _G`,
		`print(_VERSION)`,
	} {
		if got := firstRule(t, code); got != RuleUnderscoreGlobal {
			t.Errorf("rule = %s, want %s for %q", got, RuleUnderscoreGlobal, code)
		}
	}
}

func TestValidate_AllowsUnderscoreLocals(t *testing.T) {
	code := `local _unused, v = 1, 2
print(v)
tool.yield()`
	if violations := Validate(code); len(violations) != 0 {
		t.Errorf("underscore locals should be allowed: %+v", violations)
	}
}

func TestValidate_RejectsDunderAttributes(t *testing.T) {
	for _, code := range []string{
		`local x = state.__index`,
		`local s = ("x").__len`,
	} {
		if got := firstRule(t, code); got != RuleDunderAttribute {
			t.Errorf("rule = %s, want %s for %q", got, RuleDunderAttribute, code)
		}
	}
}

func TestValidate_RejectsGlobalAssignment(t *testing.T) {
	for _, code := range []string{
		`x = 1`,
		`context = nil`,
		`tool = {}`,
		`function helper() return 1 end`,
	} {
		if got := firstRule(t, code); got != RuleGlobalAssign {
			t.Errorf("rule = %s, want %s for %q", got, RuleGlobalAssign, code)
		}
	}
}

func TestValidate_AllowsStateRebinding(t *testing.T) {
	if violations := Validate(`state = { step = "two" }`); len(violations) != 0 {
		t.Errorf("state rebinding should be allowed: %+v", violations)
	}
}

func TestValidate_AllowsUpvalueAssignment(t *testing.T) {
	code := `local counter = 0
local function bump() counter = counter + 1 end
bump()
tool.final(tostring(counter))`
	if violations := Validate(code); len(violations) != 0 {
		t.Errorf("upvalue assignment should be allowed: %+v", violations)
	}
}

func TestValidate_ScopeDoesNotLeakAcrossBlocks(t *testing.T) {
	// x is local to the do-block; the later assignment is global.
	code := `do local x = 1 end
x = 2`
	violations := Validate(code)
	if len(violations) != 1 || violations[0].Rule != RuleGlobalAssign {
		t.Errorf("violations = %+v, want one %s", violations, RuleGlobalAssign)
	}
}

func TestValidate_SyntaxError(t *testing.T) {
	violations := Validate(`local = = 1`)
	if len(violations) != 1 || violations[0].Rule != RuleSyntax {
		t.Fatalf("violations = %+v, want one %s", violations, RuleSyntax)
	}
	if violations[0].Line == 0 {
		t.Error("syntax violation should carry a line number")
	}
}

func TestValidate_ReportsLineNumbers(t *testing.T) {
	code := `local a = 1
local b = 2
os.exit(1)`
	violations := Validate(code)
	if len(violations) == 0 {
		t.Fatal("expected a violation")
	}
	if violations[0].Line != 3 {
		t.Errorf("line = %d, want 3", violations[0].Line)
	}
}

func TestValidate_MultipleViolationsAllReported(t *testing.T) {
	code := `x = 1
y = 2
os.exit(1)`
	violations := Validate(code)
	if len(violations) != 3 {
		t.Errorf("violations = %d, want 3: %+v", len(violations), violations)
	}
}
