package ppe

import (
	"errors"
	"strings"
	"testing"

	"github.com/mkrueger/icy-board-sub002/internal/bbserrors"
)

// scriptHost is a recording Host double: output accumulates, canned
// answers feed the input builtins, and every side-effecting call is
// journaled so tests can assert what a script did to the session.
type scriptHost struct {
	out     strings.Builder
	input   []string
	calls   []string
	level   int
	stuffed []string
	hungUp  bool
}

func (h *scriptHost) Print(s string)   { h.out.WriteString(s) }
func (h *scriptHost) PrintLn(s string) { h.out.WriteString(s); h.out.WriteString("\r\n") }
func (h *scriptHost) GetString(prompt string, maxLen int) string {
	if len(h.input) == 0 {
		return ""
	}
	s := h.input[0]
	h.input = h.input[1:]
	if maxLen > 0 && len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}
func (h *scriptHost) GetKey() string {
	if len(h.input) == 0 {
		return ""
	}
	s := h.input[0]
	h.input = h.input[1:]
	return s
}
func (h *scriptHost) NewLine()           { h.out.WriteString("\r\n") }
func (h *scriptHost) Cls()               { h.calls = append(h.calls, "cls") }
func (h *scriptHost) GotoXY(x, y int)    { h.calls = append(h.calls, "gotoxy") }
func (h *scriptHost) WaitForKey()        { h.calls = append(h.calls, "waitforkey") }
func (h *scriptHost) UserName() string   { return "SYSOP" }
func (h *scriptHost) UserAlias() string  { return "SY" }
func (h *scriptHost) UserLevel() int     { return h.level }
func (h *scriptHost) SetUserLevel(n int) { h.level = n }
func (h *scriptHost) UserFlags() string  { return "" }
func (h *scriptHost) UserCalls() int     { return 42 }
func (h *scriptHost) UserUploads() int   { return 1 }
func (h *scriptHost) UserDownloads() int { return 2 }
func (h *scriptHost) Hangup()            { h.hungUp = true }
func (h *scriptHost) GotoMenu(name string) {
	h.calls = append(h.calls, "menu:"+name)
}
func (h *scriptHost) StuffText(s string)    { h.stuffed = append(h.stuffed, s) }
func (h *scriptHost) GetTimeLeft() int      { return 30 }
func (h *scriptHost) GetNodeNumber() int    { return 3 }
func (h *scriptHost) WhoIsOnline() []string { return []string{"SYSOP"} }
func (h *scriptHost) Broadcast(msg string) {
	h.calls = append(h.calls, "broadcast:"+msg)
}
func (h *scriptHost) MsgCount() int                { return 0 }
func (h *scriptHost) ReadMsgHeader(n int) string   { return "" }
func (h *scriptHost) ReadMsgText(n int) string     { return "" }
func (h *scriptHost) WriteMessage(text string) int { return 1 }
func (h *scriptHost) FileExists(string) bool       { return false }
func (h *scriptHost) FileSize(string) int64        { return 0 }
func (h *scriptHost) OpenDataFile(name string, mode int) int {
	h.calls = append(h.calls, "open:"+name)
	return 7
}
func (h *scriptHost) ReadDataRecord(handle int) string { return "rec" }
func (h *scriptHost) WriteDataRecord(handle int, rec string) int {
	h.calls = append(h.calls, "write:"+rec)
	return 1
}
func (h *scriptHost) CloseDataFile(handle int) { h.calls = append(h.calls, "close") }
func (h *scriptHost) RunDoor(name string)      { h.calls = append(h.calls, "door:"+name) }

func strVar(t *VariableTable, name, v string) int {
	return t.Add(Variable{Name: name, Type: TypeString, Value: Value{Type: TypeString, S: v}})
}

func TestHostDispatchPrintAndUserName(t *testing.T) {
	vars := NewVariableTable()
	greet := strVar(vars, "", "Hello, ")
	line := vars.Add(Variable{Name: "LINE", Type: TypeString})

	c := NewCompiler(vars)
	// LINE = greet + USERNAME(); PRINTLN(LINE)
	c.Let(varExpr(line), binExpr(OpConcat, varExpr(greet), Expr{Kind: ExprPredefinedCall, Op: OpGetUserName}))
	c.PredefinedCall(OpPrintLn, []Expr{varExpr(line)})
	c.End()

	host := &scriptHost{}
	if err := NewVM(c.Program(), host).Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := host.out.String(); got != "Hello, SYSOP\r\n" {
		t.Fatalf("output = %q", got)
	}
}

func TestGosubPushesAndReturnPops(t *testing.T) {
	vars := NewVariableTable()
	n := intVar(vars, "N", 0)
	one := intVar(vars, "", 1)

	c := NewCompiler(vars)
	c.Gosub("L100")
	c.Gosub("L100")
	c.End()
	c.Label("L100")
	c.CompoundAssign(varExpr(n), OpAdd, varExpr(one))
	c.Return()

	if err := NewVM(c.Program(), nil).Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := valueOf(vars, n); got != 2 {
		t.Fatalf("N = %d, want 2", got)
	}
}

func TestRunErrorCarriesStatementOffset(t *testing.T) {
	vars := NewVariableTable()
	c := NewCompiler(vars)
	c.PredefinedCall(OpCode(9999), nil)
	c.End()

	err := NewVM(c.Program(), &scriptHost{}).Run()
	var re *RunError
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want *RunError", err)
	}
	if re.Stmt != 0 {
		t.Fatalf("failing statement = %d, want 0", re.Stmt)
	}
	var unk *bbserrors.UnknownOpcode
	if !errors.As(err, &unk) {
		t.Fatalf("cause = %v, want UnknownOpcode", re.Err)
	}
}

func TestQuitPPEStopsWithoutError(t *testing.T) {
	vars := NewVariableTable()
	n := intVar(vars, "N", 0)
	one := intVar(vars, "", 1)

	c := NewCompiler(vars)
	c.CompoundAssign(varExpr(n), OpAdd, varExpr(one))
	c.PredefinedCall(OpQuitPPE, nil)
	c.CompoundAssign(varExpr(n), OpAdd, varExpr(one)) // unreachable
	c.End()

	if err := NewVM(c.Program(), &scriptHost{}).Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := valueOf(vars, n); got != 1 {
		t.Fatalf("N = %d, want 1", got)
	}
}

func TestDimAssignmentValidatesDimensionCount(t *testing.T) {
	vars := NewVariableTable()
	scalar := intVar(vars, "X", 0)
	one := intVar(vars, "", 1)

	c := NewCompiler(vars)
	c.Let(Expr{Kind: ExprDim, VarID: scalar, Indices: []Expr{varExpr(one)}}, varExpr(one))
	c.End()

	err := NewVM(c.Program(), nil).Run()
	if !errors.Is(err, bbserrors.ErrInvalidDimensions) {
		t.Fatalf("err = %v, want ErrInvalidDimensions", err)
	}
}

func TestStepLimitTerminatesRunawayScript(t *testing.T) {
	vars := NewVariableTable()
	c := NewCompiler(vars)
	c.Label("L1")
	c.Goto("L1")

	err := NewVM(c.Program(), nil).Run()
	var re *RunError
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want *RunError from step limit", err)
	}
}
