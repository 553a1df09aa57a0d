package ppe

import "fmt"

// Compiler lowers structured surface constructs (while/for/select,
// break/continue, compound assignment) into the flat Label/IfNot/Goto/Let
// statement stream a Program executes, per spec.md §6/§8. It is not a
// parser for PPL source text, callers build the surface tree (or drive
// these methods directly from another front end) and the Compiler handles
// only the control-flow lowering spec.md's testable properties exercise.
type Compiler struct {
	vars     *VariableTable
	stmts    []Stmt
	labelNum int

	// loopStack holds the (continue, break) label pair for each nested
	// loop/select, innermost last, so Break/Continue resolve to the right
	// target regardless of nesting depth.
	loopStack []loopLabels
}

type loopLabels struct {
	continueLabel string
	breakLabel    string
}

// NewCompiler starts a fresh lowering pass against an existing variable
// table (already populated by the caller with every declared variable).
func NewCompiler(vars *VariableTable) *Compiler {
	return &Compiler{vars: vars}
}

func (c *Compiler) newLabel() string {
	c.labelNum++
	return fmt.Sprintf("L%d", c.labelNum)
}

func (c *Compiler) emit(s Stmt) { c.stmts = append(c.stmts, s) }

func (c *Compiler) emitLabel(name string) { c.emit(Stmt{Kind: StmtLabel, Label: name}) }

// Program finalizes the lowered statement stream into an executable
// Program with labels resolved.
func (c *Compiler) Program() *Program {
	p := &Program{Vars: c.vars, Stmts: c.stmts}
	p.ResolveLabels()
	return p
}

// Let lowers a plain assignment statement unchanged.
func (c *Compiler) Let(target, value Expr) {
	c.emit(Stmt{Kind: StmtLet, Target: target, Value: value})
}

// CompoundAssign lowers `target op= value` (spec.md §8 scenario 6) into
// Let(target, BinaryExpr(op, target, value)), i.e. a PredefinedCall
// expression wrapping op, with target read back as its first argument.
func (c *Compiler) CompoundAssign(target Expr, op OpCode, value Expr) {
	rhs := Expr{Kind: ExprPredefinedCall, Op: op, OpArgs: []Expr{target, value}}
	c.Let(target, rhs)
}

// If lowers `if cond { thenBody } else { elseBody }` to IfNot/Goto/labels.
func (c *Compiler) If(cond Expr, thenBody, elseBody func()) {
	elseLabel := c.newLabel()
	endLabel := c.newLabel()
	c.emit(Stmt{Kind: StmtIfNot, Cond: cond, Label: elseLabel})
	thenBody()
	if elseBody != nil {
		c.emit(Stmt{Kind: StmtGoto, Label: endLabel})
		c.emitLabel(elseLabel)
		elseBody()
		c.emitLabel(endLabel)
	} else {
		c.emitLabel(elseLabel)
	}
}

// While lowers `while cond { body }` to a labeled IfNot/Goto loop body,
// spec.md §6's prescribed desugaring.
func (c *Compiler) While(cond Expr, body func()) {
	top := c.newLabel()
	bottom := c.newLabel()
	c.loopStack = append(c.loopStack, loopLabels{continueLabel: top, breakLabel: bottom})
	c.emitLabel(top)
	c.emit(Stmt{Kind: StmtIfNot, Cond: cond, Label: bottom})
	body()
	c.emit(Stmt{Kind: StmtGoto, Label: top})
	c.emitLabel(bottom)
	c.loopStack = c.loopStack[:len(c.loopStack)-1]
}

// For lowers `for init; cond; step { body }` the same way a while loop
// lowers, with step folded into the loop's continue target so Continue
// still runs it.
func (c *Compiler) For(init func(), cond Expr, step func(), body func()) {
	top := c.newLabel()
	stepLabel := c.newLabel()
	bottom := c.newLabel()
	init()
	c.loopStack = append(c.loopStack, loopLabels{continueLabel: stepLabel, breakLabel: bottom})
	c.emitLabel(top)
	c.emit(Stmt{Kind: StmtIfNot, Cond: cond, Label: bottom})
	body()
	c.emitLabel(stepLabel)
	step()
	c.emit(Stmt{Kind: StmtGoto, Label: top})
	c.emitLabel(bottom)
	c.loopStack = c.loopStack[:len(c.loopStack)-1]
}

// SelectCase is one arm of a Select lowering: a nil Cond marks the
// default arm, which (if present) must be last.
type SelectCase struct {
	Cond *Expr
	Body func()
}

// Select lowers a select/case block (spec.md's PPL SELECT CASE construct)
// into a chain of IfNot-to-next-arm tests ending at a shared break label,
// so Break inside a case arm exits the whole select exactly like a loop.
// The default arm runs unconditionally when reached, so every guarded arm
// before it must Goto the end label past it.
func (c *Compiler) Select(cases []SelectCase) {
	end := c.newLabel()
	c.loopStack = append(c.loopStack, loopLabels{continueLabel: end, breakLabel: end})
	for _, cs := range cases {
		if cs.Cond == nil {
			cs.Body()
			continue
		}
		next := c.newLabel()
		c.emit(Stmt{Kind: StmtIfNot, Cond: *cs.Cond, Label: next})
		cs.Body()
		c.emit(Stmt{Kind: StmtGoto, Label: end})
		c.emitLabel(next)
	}
	c.emitLabel(end)
	c.loopStack = c.loopStack[:len(c.loopStack)-1]
}

// Break lowers to a Goto targeting the innermost loop/select's break
// label.
func (c *Compiler) Break() {
	if len(c.loopStack) == 0 {
		return
	}
	top := c.loopStack[len(c.loopStack)-1]
	c.emit(Stmt{Kind: StmtGoto, Label: top.breakLabel})
}

// Continue lowers to a Goto targeting the innermost loop's continue
// label (its step label for a For loop).
func (c *Compiler) Continue() {
	if len(c.loopStack) == 0 {
		return
	}
	top := c.loopStack[len(c.loopStack)-1]
	c.emit(Stmt{Kind: StmtGoto, Label: top.continueLabel})
}

// Goto/Gosub/Return/Stop/End/ProcedureCall/PredefinedCall lower unchanged
//, they are already part of the target statement language.
func (c *Compiler) Goto(label string)  { c.emit(Stmt{Kind: StmtGoto, Label: label}) }
func (c *Compiler) Gosub(label string) { c.emit(Stmt{Kind: StmtGosub, Label: label}) }
func (c *Compiler) Return()            { c.emit(Stmt{Kind: StmtReturn}) }
func (c *Compiler) Stop()              { c.emit(Stmt{Kind: StmtStop}) }
func (c *Compiler) End()               { c.emit(Stmt{Kind: StmtEnd}) }
func (c *Compiler) Label(name string)  { c.emitLabel(name) }

func (c *Compiler) ProcedureCall(procID int, args []Expr) {
	c.emit(Stmt{Kind: StmtProcedureCall, ProcID: procID, Args: args})
}

func (c *Compiler) PredefinedCall(op OpCode, args []Expr) {
	c.emit(Stmt{Kind: StmtPredefinedCall, Op: op, OpArgs: args})
}

// ArrayInit lowers `dim[i1][i2]... = v1, v2, ...` array-initializer
// syntax into a sequence of plain Let statements against successive flat
// indices, the shape a VM with no dedicated "array literal" opcode needs.
func (c *Compiler) ArrayInit(arrayVarID int, values []Expr) {
	for idx, v := range values {
		target := Expr{
			Kind:    ExprDim,
			VarID:   arrayVarID,
			Indices: []Expr{{Kind: ExprValue, VarID: intLiteralVar(idx)}},
		}
		c.Let(target, v)
	}
}

// intLiteralVar resolves a small integer literal to a variable-table slot
// holding that constant, reusing an existing slot if one was already
// interned for the same value, mirrors the teacher-style compilers'
// constant pool, just flattened onto the same table PPL uses for
// everything else.
func intLiteralVar(n int) int {
	return literalPool.intern(n)
}

type constantPool struct {
	byValue map[int]int
	table   *VariableTable
}

var literalPool = &constantPool{byValue: make(map[int]int)}

// BindLiteralPool points future intLiteralVar calls at table, interning
// new integer-literal slots into it as needed. Call once per Compiler
// before lowering any ArrayInit.
func BindLiteralPool(table *VariableTable) {
	literalPool = &constantPool{byValue: make(map[int]int), table: table}
}

func (p *constantPool) intern(n int) int {
	if id, ok := p.byValue[n]; ok {
		return id
	}
	id := p.table.Add(Variable{Name: fmt.Sprintf("__lit%d", n), Type: TypeS32, Value: Value{Type: TypeS32, I: int64(n)}})
	p.byValue[n] = id
	return id
}
