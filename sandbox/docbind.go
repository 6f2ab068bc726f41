package sandbox

import (
	lua "github.com/yuin/gopher-lua"

	"github.com/pithecene-io/delve/docview"
)

const docTypeName = "delve.doc"

// defaultFindHits caps find results when the program omits max_hits.
const defaultFindHits = 16

// registerContext installs the context global: doc_count plus the doc(i)
// accessor returning document handles.
func (env *stepEnv) registerContext(L *lua.LState) {
	mt := L.NewTypeMetatable(docTypeName)
	L.SetField(mt, "__index", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"len":    env.docLen,
		"slice":  env.docSlice,
		"tagged": env.docTagged,
		"find":   env.docFind,
	}))

	ctxTable := L.NewTable()
	L.SetField(ctxTable, "doc_count", lua.LNumber(env.view.DocCount()))
	L.SetField(ctxTable, "doc", L.NewFunction(env.contextDoc))
	L.SetGlobal("context", ctxTable)
}

// contextDoc implements context:doc(i).
func (env *stepEnv) contextDoc(L *lua.LState) int {
	i := int(L.CheckNumber(2))
	view, err := env.view.Doc(i)
	if err != nil {
		env.fail(L, err)
		return 0
	}
	ud := L.NewUserData()
	ud.Value = view
	L.SetMetatable(ud, L.GetTypeMetatable(docTypeName))
	L.Push(ud)
	return 1
}

func (env *stepEnv) checkDoc(L *lua.LState) *docview.DocView {
	ud := L.CheckUserData(1)
	if view, ok := ud.Value.(*docview.DocView); ok {
		return view
	}
	L.ArgError(1, "document handle expected")
	return nil
}

// docLen implements d:len().
func (env *stepEnv) docLen(L *lua.LState) int {
	d := env.checkDoc(L)
	n, err := d.Len(env.ctx)
	if err != nil {
		env.fail(L, err)
		return 0
	}
	L.Push(lua.LNumber(n))
	return 1
}

// docSlice implements d:slice(a, b).
func (env *stepEnv) docSlice(L *lua.LState) int {
	d := env.checkDoc(L)
	a := int(L.CheckNumber(2))
	b := int(L.CheckNumber(3))
	text, err := d.Slice(env.ctx, a, b)
	if err != nil {
		env.fail(L, err)
		return 0
	}
	L.Push(lua.LString(text))
	return 1
}

// docTagged implements d:tagged(a, b, tag).
func (env *stepEnv) docTagged(L *lua.LState) int {
	d := env.checkDoc(L)
	a := int(L.CheckNumber(2))
	b := int(L.CheckNumber(3))
	tag := L.CheckString(4)
	text, err := d.Tagged(env.ctx, a, b, tag)
	if err != nil {
		env.fail(L, err)
		return 0
	}
	L.Push(lua.LString(text))
	return 1
}

// docFind implements d:find(term, max_hits?, a?, b?). Hits come back as an
// array of {start, end} pairs.
func (env *stepEnv) docFind(L *lua.LState) int {
	d := env.checkDoc(L)
	term := L.CheckString(2)
	maxHits := defaultFindHits
	if L.GetTop() >= 3 {
		maxHits = int(L.CheckNumber(3))
	}
	a := 0
	if L.GetTop() >= 4 {
		a = int(L.CheckNumber(4))
	}
	b := -1
	if L.GetTop() >= 5 {
		b = int(L.CheckNumber(5))
	}
	if b < 0 {
		length, err := d.Len(env.ctx)
		if err != nil {
			env.fail(L, err)
			return 0
		}
		b = length
	}

	hits, err := d.Find(env.ctx, term, maxHits, a, b)
	if err != nil {
		env.fail(L, err)
		return 0
	}

	result := L.CreateTable(len(hits), 0)
	for i, hit := range hits {
		pair := L.CreateTable(2, 0)
		pair.RawSetInt(1, lua.LNumber(hit.Start))
		pair.RawSetInt(2, lua.LNumber(hit.End))
		result.RawSetInt(i+1, pair)
	}
	L.Push(result)
	return 1
}
