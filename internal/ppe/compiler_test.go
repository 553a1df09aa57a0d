package ppe

import "testing"

func intVar(t *VariableTable, name string, v int64) int {
	return t.Add(Variable{Name: name, Type: TypeS32, Value: Value{Type: TypeS32, I: v}})
}

func valueOf(t *VariableTable, id int) int64 { return t.Get(id).Value.I }

func varExpr(id int) Expr { return Expr{Kind: ExprValue, VarID: id} }

func binExpr(op OpCode, a, b Expr) Expr {
	return Expr{Kind: ExprPredefinedCall, Op: op, OpArgs: []Expr{a, b}}
}

// X += 3 with X = 5 must lower to Let(Value(X), Add(Value(X), 3)), a
// plain Let over a binary Add, never a compound-assignment opcode, and
// execute to X == 8.
func TestCompoundAssignLowersToLetWithBinaryAdd(t *testing.T) {
	vars := NewVariableTable()
	x := intVar(vars, "X", 5)
	three := intVar(vars, "", 3)

	c := NewCompiler(vars)
	c.CompoundAssign(varExpr(x), OpAdd, varExpr(three))
	c.End()
	prog := c.Program()

	if len(prog.Stmts) != 2 {
		t.Fatalf("statement count = %d, want 2", len(prog.Stmts))
	}
	let := prog.Stmts[0]
	if let.Kind != StmtLet {
		t.Fatalf("statement 0 kind = %d, want StmtLet", let.Kind)
	}
	if let.Target.Kind != ExprValue || let.Target.VarID != x {
		t.Fatalf("let target = %+v, want Value(X)", let.Target)
	}
	rhs := let.Value
	if rhs.Kind != ExprPredefinedCall || rhs.Op != OpAdd {
		t.Fatalf("let value = %+v, want Add(...)", rhs)
	}
	if len(rhs.OpArgs) != 2 || rhs.OpArgs[0].VarID != x || rhs.OpArgs[1].VarID != three {
		t.Fatalf("add args = %+v, want [Value(X) Value(3)]", rhs.OpArgs)
	}

	if err := NewVM(prog, nil).Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := valueOf(vars, x); got != 8 {
		t.Fatalf("X = %d, want 8", got)
	}
}

// while i <= 5 { sum += i; i += 1 } must lower to only flat statements
// (labels, conditional/unconditional jumps, lets) and sum 1..5 to 15.
func TestWhileLowersToFlatJumps(t *testing.T) {
	vars := NewVariableTable()
	i := intVar(vars, "I", 1)
	sum := intVar(vars, "SUM", 0)
	one := intVar(vars, "", 1)
	five := intVar(vars, "", 5)

	c := NewCompiler(vars)
	c.While(binExpr(OpLe, varExpr(i), varExpr(five)), func() {
		c.CompoundAssign(varExpr(sum), OpAdd, varExpr(i))
		c.CompoundAssign(varExpr(i), OpAdd, varExpr(one))
	})
	c.End()
	prog := c.Program()

	for n, s := range prog.Stmts {
		switch s.Kind {
		case StmtLabel, StmtIfNot, StmtGoto, StmtLet, StmtEnd:
		default:
			t.Fatalf("statement %d has non-flat kind %d", n, s.Kind)
		}
	}

	if err := NewVM(prog, nil).Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := valueOf(vars, sum); got != 15 {
		t.Fatalf("SUM = %d, want 15", got)
	}
	if got := valueOf(vars, i); got != 6 {
		t.Fatalf("I = %d, want 6", got)
	}
}

func TestBreakAndContinueTargetInnermostLoop(t *testing.T) {
	vars := NewVariableTable()
	i := intVar(vars, "I", 0)
	odd := intVar(vars, "ODDSUM", 0)
	zero := intVar(vars, "", 0)
	one := intVar(vars, "", 1)
	two := intVar(vars, "", 2)
	seven := intVar(vars, "", 7)
	ten := intVar(vars, "", 10)

	// while i < 10 { i += 1; if i % 2 == 0 continue; if i > 7 break; odd += i }
	c := NewCompiler(vars)
	c.While(binExpr(OpLt, varExpr(i), varExpr(ten)), func() {
		c.CompoundAssign(varExpr(i), OpAdd, varExpr(one))
		c.If(binExpr(OpEq, binExpr(OpMod, varExpr(i), varExpr(two)), varExpr(zero)), func() {
			c.Continue()
		}, nil)
		c.If(binExpr(OpGt, varExpr(i), varExpr(seven)), func() {
			c.Break()
		}, nil)
		c.CompoundAssign(varExpr(odd), OpAdd, varExpr(i))
	})
	c.End()
	prog := c.Program()

	if err := NewVM(prog, nil).Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	// Odd values up to 7: 1+3+5+7 = 16; loop exits via break at i = 9.
	if got := valueOf(vars, odd); got != 16 {
		t.Fatalf("ODDSUM = %d, want 16", got)
	}
	if got := valueOf(vars, i); got != 9 {
		t.Fatalf("I = %d, want 9", got)
	}
}

func TestForLoopStepRunsOnContinue(t *testing.T) {
	vars := NewVariableTable()
	i := intVar(vars, "I", 0)
	count := intVar(vars, "COUNT", 0)
	one := intVar(vars, "", 1)
	zero := intVar(vars, "", 0)
	five := intVar(vars, "", 5)

	c := NewCompiler(vars)
	c.For(
		func() { c.Let(varExpr(i), varExpr(zero)) },
		binExpr(OpLt, varExpr(i), varExpr(five)),
		func() { c.CompoundAssign(varExpr(i), OpAdd, varExpr(one)) },
		func() { c.CompoundAssign(varExpr(count), OpAdd, varExpr(one)) },
	)
	c.End()
	prog := c.Program()

	if err := NewVM(prog, nil).Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := valueOf(vars, count); got != 5 {
		t.Fatalf("COUNT = %d, want 5", got)
	}
}

func TestArrayInitLowersToPerIndexLets(t *testing.T) {
	vars := NewVariableTable()
	BindLiteralPool(vars)
	arr := vars.Add(Variable{Name: "ARR", Type: TypeS32, Dim: 1, Sizes: [3]int{4}})
	a := intVar(vars, "", 10)
	b := intVar(vars, "", 20)
	d := intVar(vars, "", 30)

	c := NewCompiler(vars)
	c.ArrayInit(arr, []Expr{varExpr(a), varExpr(b), varExpr(d)})
	c.End()
	prog := c.Program()

	lets := 0
	for _, s := range prog.Stmts {
		if s.Kind == StmtLet {
			lets++
			if s.Target.Kind != ExprDim || s.Target.VarID != arr {
				t.Fatalf("array-init let target = %+v, want Dim(ARR, ...)", s.Target)
			}
		}
	}
	if lets != 3 {
		t.Fatalf("let count = %d, want 3", lets)
	}

	if err := NewVM(prog, nil).Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	slot := vars.Get(arr)
	for idx, want := range []int64{10, 20, 30} {
		if got := slot.arrayGet(idx).I; got != want {
			t.Fatalf("ARR[%d] = %d, want %d", idx, got, want)
		}
	}
}

func TestSelectDispatchesMatchingArmAndDefault(t *testing.T) {
	vars := NewVariableTable()
	x := intVar(vars, "X", 2)
	hit := intVar(vars, "HIT", 0)
	one := intVar(vars, "", 1)
	two := intVar(vars, "", 2)
	hundred := intVar(vars, "", 100)

	c := NewCompiler(vars)
	armOne := binExpr(OpEq, varExpr(x), varExpr(one))
	armTwo := binExpr(OpEq, varExpr(x), varExpr(two))
	c.Select([]SelectCase{
		{Cond: &armOne, Body: func() { c.Let(varExpr(hit), varExpr(one)) }},
		{Cond: &armTwo, Body: func() { c.Let(varExpr(hit), varExpr(two)) }},
		{Cond: nil, Body: func() { c.Let(varExpr(hit), varExpr(hundred)) }},
	})
	c.End()

	if err := NewVM(c.Program(), nil).Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := valueOf(vars, hit); got != 2 {
		t.Fatalf("HIT = %d, want 2", got)
	}

	// No arm matches: the default arm must run.
	vars.Get(x).Value = Value{Type: TypeS32, I: 9}
	vars.Get(hit).Value = Value{Type: TypeS32, I: 0}
	c2 := NewCompiler(vars)
	c2.Select([]SelectCase{
		{Cond: &armOne, Body: func() { c2.Let(varExpr(hit), varExpr(one)) }},
		{Cond: nil, Body: func() { c2.Let(varExpr(hit), varExpr(hundred)) }},
	})
	c2.End()
	if err := NewVM(c2.Program(), nil).Run(); err != nil {
		t.Fatalf("run 2: %v", err)
	}
	if got := valueOf(vars, hit); got != 100 {
		t.Fatalf("HIT = %d, want 100 (default arm)", got)
	}
}
