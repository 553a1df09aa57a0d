package ppe

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mkrueger/icy-board-sub002/internal/bbserrors"
)

// Host is the bridge the session kernel implements so a PPE script can
// issue any command the interactive user could, per spec.md §4.3 ("PPE
// bytecode is executed with the session kernel as host"). Every method
// corresponds to one or more OpCode table entries; the VM looks up the
// Host interface only from PredefinedCall dispatch, never directly.
type Host interface {
	Print(s string)
	PrintLn(s string)
	GetString(prompt string, maxLen int) string
	GetKey() string
	NewLine()
	Cls()
	GotoXY(x, y int)
	WaitForKey()

	UserName() string
	UserAlias() string
	UserLevel() int
	SetUserLevel(n int)
	UserFlags() string
	UserCalls() int
	UserUploads() int
	UserDownloads() int

	Hangup()
	GotoMenu(name string)
	StuffText(s string)
	GetTimeLeft() int
	GetNodeNumber() int
	WhoIsOnline() []string
	Broadcast(msg string)

	MsgCount() int
	ReadMsgHeader(n int) string
	ReadMsgText(n int) string
	WriteMessage(text string) int

	FileExists(name string) bool
	FileSize(name string) int64
	OpenDataFile(name string, mode int) int
	ReadDataRecord(handle int) string
	WriteDataRecord(handle int, rec string) int
	CloseDataFile(handle int)

	RunDoor(name string)
}

// RunError pairs a PPE execution failure with the byte offset it occurred
// at, so the session kernel can log "file and offset" per spec.md §4.3's
// failure semantics without terminating the session itself.
type RunError struct {
	Stmt int
	Err  error
}

func (e *RunError) Error() string { return fmt.Sprintf("ppe: statement %d: %v", e.Stmt, e.Err) }
func (e *RunError) Unwrap() error { return e.Err }

// maxSteps bounds runaway scripts (an infinite Goto loop with no host
// interaction) so one caller's PPE can never wedge a node forever.
const maxSteps = 2_000_000

// VM executes a decoded Program against a Host. One VM instance is not
// safe for concurrent use; the session kernel creates one per RunPPE
// invocation (spec.md §5: every suspension point is explicit, PPE
// execution itself never spans more than one node's task).
type VM struct {
	prog  *Program
	host  Host
	stack []frame
}

type frame struct {
	returnIP int
	base     int // unused: variable table is flat/global per spec.md's arena model
}

// NewVM builds a VM bound to prog and host.
func NewVM(prog *Program, host Host) *VM {
	return &VM{prog: prog, host: host}
}

// Run executes from statement 0 until End/Stop or a StmtReturn with an
// empty call stack. Errors are wrapped in *RunError carrying the
// statement index; the session kernel logs file+offset and moves on,
// never killing the session itself, per spec.md §4.3/§7.
func (vm *VM) Run() error {
	ip := 0
	steps := 0
	for ip >= 0 && ip < len(vm.prog.Stmts) {
		steps++
		if steps > maxSteps {
			return &RunError{Stmt: ip, Err: fmt.Errorf("ppe: step limit exceeded")}
		}
		s := vm.prog.Stmts[ip]
		next, err := vm.exec(ip, s)
		if err != nil {
			return &RunError{Stmt: ip, Err: err}
		}
		if next == -1 {
			return nil
		}
		ip = next
	}
	return nil
}

// exec runs one statement and returns the next ip, or -1 to stop normally.
func (vm *VM) exec(ip int, s Stmt) (int, error) {
	switch s.Kind {
	case StmtEnd, StmtStop:
		return -1, nil
	case StmtLabel:
		return ip + 1, nil
	case StmtReturn, StmtEndFunc, StmtEndProc:
		if len(vm.stack) == 0 {
			return -1, nil
		}
		top := vm.stack[len(vm.stack)-1]
		vm.stack = vm.stack[:len(vm.stack)-1]
		return top.returnIP, nil
	case StmtLet:
		v, err := vm.eval(s.Value)
		if err != nil {
			return 0, err
		}
		if err := vm.assign(s.Target, v); err != nil {
			return 0, err
		}
		return ip + 1, nil
	case StmtIfNot:
		v, err := vm.eval(s.Cond)
		if err != nil {
			return 0, err
		}
		if !truthy(v) {
			idx, ok := vm.prog.LabelIndex(s.Label)
			if !ok {
				return 0, &bbserrors.UnknownAction{Name: s.Label}
			}
			return idx, nil
		}
		return ip + 1, nil
	case StmtGoto:
		idx, ok := vm.prog.LabelIndex(s.Label)
		if !ok {
			return 0, &bbserrors.UnknownAction{Name: s.Label}
		}
		return idx, nil
	case StmtGosub:
		idx, ok := vm.prog.LabelIndex(s.Label)
		if !ok {
			return 0, &bbserrors.UnknownAction{Name: s.Label}
		}
		vm.stack = append(vm.stack, frame{returnIP: ip + 1})
		return idx, nil
	case StmtProcedureCall:
		if err := vm.callUser(s.ProcID, s.Args); err != nil {
			return 0, err
		}
		return ip + 1, nil
	case StmtPredefinedCall:
		if _, err := vm.callPredefined(s.Op, s.OpArgs); err != nil {
			if err == errStop {
				return -1, nil
			}
			return 0, err
		}
		return ip + 1, nil
	default:
		return 0, fmt.Errorf("ppe: invalid statement kind %d", s.Kind)
	}
}

// callUser invokes a user-defined function/procedure by jumping to its
// StartOffset and running nested statements until its matching
// EndFunc/EndProc/Return pops back, spec.md §4.3's "EndFunc/EndProc pop
// the stored return address; Gosub pushes it" applies identically here,
// modeled as a private sub-run over the same Stmts slice.
func (vm *VM) callUser(id int, args []Expr) error {
	fn := vm.prog.Vars.Get(id)
	if fn == nil {
		return &bbserrors.FunctionNotFound{Name: fmt.Sprintf("#%d", id)}
	}
	if fn.Type != TypeFunction && fn.Type != TypeProcedure {
		return &bbserrors.FunctionNotFound{Name: fn.Name}
	}
	if len(args) < fn.ParamCount {
		return bbserrors.ErrTooFewArguments
	}
	if len(args) > fn.ParamCount {
		return bbserrors.ErrTooManyArguments
	}
	// Bind params: by convention the compiler assigns the function's first
	// ParamCount variable-table slots following its own id to its formals.
	for i, a := range args {
		v, err := vm.eval(a)
		if err != nil {
			return err
		}
		if slot := vm.prog.Vars.Get(id + 1 + i); slot != nil {
			slot.Value = v
		}
	}
	return vm.runSub(fn.StartOffset)
}

// runSub executes statements starting at ip until a Return/EndFunc/EndProc
// at call-stack depth zero relative to this invocation.
func (vm *VM) runSub(start int) error {
	depth := len(vm.stack)
	ip := start
	steps := 0
	for ip >= 0 && ip < len(vm.prog.Stmts) {
		steps++
		if steps > maxSteps {
			return fmt.Errorf("ppe: step limit exceeded in subroutine")
		}
		s := vm.prog.Stmts[ip]
		if (s.Kind == StmtReturn || s.Kind == StmtEndFunc || s.Kind == StmtEndProc) && len(vm.stack) == depth {
			return nil
		}
		next, err := vm.exec(ip, s)
		if err != nil {
			if err == errStop {
				return errStop
			}
			return err
		}
		if next == -1 {
			return nil
		}
		ip = next
	}
	return nil
}

func (vm *VM) assign(target Expr, v Value) error {
	switch target.Kind {
	case ExprValue:
		slot := vm.prog.Vars.Get(target.VarID)
		if slot == nil {
			return &bbserrors.VariableNotFound{Name: fmt.Sprintf("#%d", target.VarID)}
		}
		slot.Value = coerce(v, slot.Type)
		return nil
	case ExprDim:
		slot := vm.prog.Vars.Get(target.VarID)
		if slot == nil {
			return &bbserrors.VariableNotFound{Name: fmt.Sprintf("#%d", target.VarID)}
		}
		if slot.Dim < 1 || slot.Dim > 3 {
			return bbserrors.ErrInvalidDimensions
		}
		idx, err := vm.flatIndex(slot, target.Indices)
		if err != nil {
			return err
		}
		slot.arraySet(idx, coerce(v, slot.Type))
		return nil
	default:
		return bbserrors.ErrLetTargetInvalid
	}
}

func (vm *VM) flatIndex(slot *Variable, indices []Expr) (int, error) {
	if len(indices) == 0 || len(indices) > 3 {
		return 0, bbserrors.ErrInvalidDimensions
	}
	idx := 0
	for i, e := range indices {
		v, err := vm.eval(e)
		if err != nil {
			return 0, err
		}
		dim := slot.Sizes[i]
		if dim <= 0 {
			dim = 1
		}
		idx = idx*dim + int(v.I)
	}
	return idx, nil
}

// eval evaluates an operand expression tree to a Value.
func (vm *VM) eval(e Expr) (Value, error) {
	switch e.Kind {
	case ExprValue:
		slot := vm.prog.Vars.Get(e.VarID)
		if slot == nil {
			return Value{}, &bbserrors.VariableNotFound{Name: fmt.Sprintf("#%d", e.VarID)}
		}
		return slot.Value, nil
	case ExprDim:
		slot := vm.prog.Vars.Get(e.VarID)
		if slot == nil {
			return Value{}, &bbserrors.VariableNotFound{Name: fmt.Sprintf("#%d", e.VarID)}
		}
		idx, err := vm.flatIndex(slot, e.Indices)
		if err != nil {
			return Value{}, err
		}
		return slot.arrayGet(idx), nil
	case ExprFunctionCall:
		fn := vm.prog.Vars.Get(e.VarID)
		if fn == nil {
			return Value{}, &bbserrors.FunctionNotFound{Name: fmt.Sprintf("#%d", e.VarID)}
		}
		if err := vm.callUser(e.VarID, e.Args); err != nil {
			return Value{}, err
		}
		if fn.ReturnVar >= 0 {
			if slot := vm.prog.Vars.Get(fn.ReturnVar); slot != nil {
				return slot.Value, nil
			}
		}
		return Value{}, nil
	case ExprPredefinedCall:
		return vm.callPredefined(e.Op, e.OpArgs)
	case ExprMember, ExprMemberCall:
		// Member access on host-exposed object handles is not reachable
		// from any opcode this Host interface implements yet; evaluating
		// the target keeps errors local to the member instead of masking
		// them.
		if e.Target != nil {
			if _, err := vm.eval(*e.Target); err != nil {
				return Value{}, err
			}
		}
		return Value{}, &bbserrors.UnknownOpcode{Opcode: e.MemberID}
	default:
		return Value{}, fmt.Errorf("ppe: invalid expression kind %d", e.Kind)
	}
}

// callPredefined dispatches a PredefinedFunctionCall operand: arithmetic
// and comparison opcodes are evaluated directly against Value, I/O and
// session-control opcodes forward to Host, per spec.md §6's opcode table.
func (vm *VM) callPredefined(op OpCode, args []Expr) (Value, error) {
	sig := Signature(op)
	if sig == SigInvalid {
		return Value{}, &bbserrors.UnknownOpcode{Opcode: int(op)}
	}
	switch sig {
	case SigUnaryOp:
		if len(args) != 1 {
			return Value{}, bbserrors.ErrTooFewArguments
		}
	case SigBinaryOp:
		if len(args) != 2 {
			return Value{}, bbserrors.ErrTooFewArguments
		}
	case SigFixedParameters:
		n := Arity(op)
		if len(args) < n {
			return Value{}, bbserrors.ErrTooFewArguments
		}
		if len(args) > n {
			return Value{}, bbserrors.ErrTooManyArguments
		}
	}

	vals := make([]Value, len(args))
	for i, a := range args {
		v, err := vm.eval(a)
		if err != nil {
			return Value{}, err
		}
		vals[i] = v
	}

	switch op {
	case OpAdd:
		return arith(vals[0], vals[1], func(a, b int64) int64 { return a + b }, func(a, b float64) float64 { return a + b }), nil
	case OpSub:
		return arith(vals[0], vals[1], func(a, b int64) int64 { return a - b }, func(a, b float64) float64 { return a - b }), nil
	case OpMul:
		return arith(vals[0], vals[1], func(a, b int64) int64 { return a * b }, func(a, b float64) float64 { return a * b }), nil
	case OpDiv:
		if vals[1].I == 0 && vals[1].F == 0 {
			return Value{}, fmt.Errorf("ppe: division by zero")
		}
		return arith(vals[0], vals[1], func(a, b int64) int64 { return a / b }, func(a, b float64) float64 { return a / b }), nil
	case OpMod:
		if vals[1].I == 0 {
			return Value{}, fmt.Errorf("ppe: modulo by zero")
		}
		return Value{Type: TypeI64, I: vals[0].I % vals[1].I}, nil
	case OpNeg:
		if vals[0].Type == TypeFloat || vals[0].Type == TypeDouble {
			return Value{Type: vals[0].Type, F: -vals[0].F}, nil
		}
		return Value{Type: vals[0].Type, I: -vals[0].I}, nil
	case OpNot:
		return Value{Type: TypeBool, B: !truthy(vals[0])}, nil
	case OpEq:
		return Value{Type: TypeBool, B: equalValue(vals[0], vals[1])}, nil
	case OpNe:
		return Value{Type: TypeBool, B: !equalValue(vals[0], vals[1])}, nil
	case OpLt:
		return Value{Type: TypeBool, B: compareValue(vals[0], vals[1]) < 0}, nil
	case OpLe:
		return Value{Type: TypeBool, B: compareValue(vals[0], vals[1]) <= 0}, nil
	case OpGt:
		return Value{Type: TypeBool, B: compareValue(vals[0], vals[1]) > 0}, nil
	case OpGe:
		return Value{Type: TypeBool, B: compareValue(vals[0], vals[1]) >= 0}, nil
	case OpAnd:
		return Value{Type: TypeBool, B: truthy(vals[0]) && truthy(vals[1])}, nil
	case OpOr:
		return Value{Type: TypeBool, B: truthy(vals[0]) || truthy(vals[1])}, nil
	case OpConcat:
		return Value{Type: TypeString, S: asString(vals[0]) + asString(vals[1])}, nil
	case OpLen:
		return Value{Type: TypeI64, I: int64(len(vals[0].S))}, nil
	case OpUpper:
		return Value{Type: TypeString, S: strings.ToUpper(vals[0].S)}, nil
	case OpLower:
		return Value{Type: TypeString, S: strings.ToLower(vals[0].S)}, nil
	case OpLeft:
		return Value{Type: TypeString, S: substr(vals[0].S, 0, int(vals[1].I))}, nil
	case OpRight:
		s := vals[0].S
		n := int(vals[1].I)
		if n > len(s) {
			n = len(s)
		}
		return Value{Type: TypeString, S: s[len(s)-n:]}, nil
	case OpMid:
		start := int(vals[1].I)
		if start > 0 {
			start--
		}
		return Value{Type: TypeString, S: substr(vals[0].S, start, int(vals[2].I))}, nil
	case OpStr:
		return Value{Type: TypeString, S: asString(vals[0])}, nil
	case OpVal:
		f, _ := strconv.ParseFloat(strings.TrimSpace(vals[0].S), 64)
		return Value{Type: TypeI64, I: int64(f)}, nil

	case OpPrintLn:
		vm.host.PrintLn(asString(vals[0]))
		return Value{}, nil
	case OpPrint:
		vm.host.Print(asString(vals[0]))
		return Value{}, nil
	case OpGetString:
		return Value{Type: TypeString, S: vm.host.GetString(asString(vals[0]), int(vals[1].I))}, nil
	case OpGetKey:
		return Value{Type: TypeString, S: vm.host.GetKey()}, nil
	case OpNewLine:
		vm.host.NewLine()
		return Value{}, nil
	case OpCls:
		vm.host.Cls()
		return Value{}, nil
	case OpGotoXY:
		vm.host.GotoXY(int(vals[0].I), int(vals[1].I))
		return Value{}, nil
	case OpWaitForKey:
		vm.host.WaitForKey()
		return Value{}, nil

	case OpGetUserName:
		return Value{Type: TypeString, S: vm.host.UserName()}, nil
	case OpGetUserAlias:
		return Value{Type: TypeString, S: vm.host.UserAlias()}, nil
	case OpGetUserLevel:
		return Value{Type: TypeI64, I: int64(vm.host.UserLevel())}, nil
	case OpSetUserLevel:
		vm.host.SetUserLevel(int(vals[0].I))
		return Value{}, nil
	case OpGetUserFlags:
		return Value{Type: TypeString, S: vm.host.UserFlags()}, nil
	case OpGetUserCalls:
		return Value{Type: TypeI64, I: int64(vm.host.UserCalls())}, nil
	case OpGetUserUploads:
		return Value{Type: TypeI64, I: int64(vm.host.UserUploads())}, nil
	case OpGetUserDownloads:
		return Value{Type: TypeI64, I: int64(vm.host.UserDownloads())}, nil

	case OpHangup:
		vm.host.Hangup()
		return Value{}, nil
	case OpGotoMenu:
		vm.host.GotoMenu(asString(vals[0]))
		return Value{}, nil
	case OpQuitPPE:
		return Value{}, errStop
	case OpStuffText:
		vm.host.StuffText(asString(vals[0]))
		return Value{}, nil
	case OpGetTimeLeft:
		return Value{Type: TypeI64, I: int64(vm.host.GetTimeLeft())}, nil
	case OpGetNodeNumber:
		return Value{Type: TypeI64, I: int64(vm.host.GetNodeNumber())}, nil
	case OpWhoIsOnline:
		return Value{Type: TypeString, S: strings.Join(vm.host.WhoIsOnline(), ",")}, nil
	case OpBroadcast:
		vm.host.Broadcast(asString(vals[0]))
		return Value{}, nil

	case OpMsgCount:
		return Value{Type: TypeI64, I: int64(vm.host.MsgCount())}, nil
	case OpReadMsgHeader:
		return Value{Type: TypeString, S: vm.host.ReadMsgHeader(int(vals[0].I))}, nil
	case OpReadMsgText:
		return Value{Type: TypeString, S: vm.host.ReadMsgText(int(vals[0].I))}, nil
	case OpWriteMessage:
		return Value{Type: TypeI64, I: int64(vm.host.WriteMessage(asString(vals[0])))}, nil

	case OpFileExists:
		return Value{Type: TypeBool, B: vm.host.FileExists(asString(vals[0]))}, nil
	case OpFileSize:
		return Value{Type: TypeI64, I: vm.host.FileSize(asString(vals[0]))}, nil
	case OpOpenDataFile:
		return Value{Type: TypeI64, I: int64(vm.host.OpenDataFile(asString(vals[0]), int(vals[1].I)))}, nil
	case OpReadDataRecord:
		return Value{Type: TypeString, S: vm.host.ReadDataRecord(int(vals[0].I))}, nil
	case OpWriteDataRecord:
		return Value{Type: TypeI64, I: int64(vm.host.WriteDataRecord(int(vals[0].I), asString(vals[1])))}, nil
	case OpCloseDataFile:
		vm.host.CloseDataFile(int(vals[0].I))
		return Value{}, nil
	case OpRunDoor:
		vm.host.RunDoor(asString(vals[0]))
		return Value{}, nil

	case OpEnd:
		return Value{}, errStop
	default:
		return Value{}, &bbserrors.UnknownOpcode{Opcode: int(op)}
	}
}

// errStop signals QuitPPE/End reached as a predefined call (rather than a
// statement) to unwind Run cleanly; Run's caller never sees it.
var errStop = stopSignal{}

type stopSignal struct{}

func (stopSignal) Error() string { return "ppe: stop" }

func truthy(v Value) bool {
	switch v.Type {
	case TypeBool:
		return v.B
	case TypeString:
		return v.S != ""
	case TypeFloat, TypeDouble:
		return v.F != 0
	default:
		return v.I != 0
	}
}

func asString(v Value) string {
	switch v.Type {
	case TypeString:
		return v.S
	case TypeBool:
		if v.B {
			return "1"
		}
		return "0"
	case TypeFloat, TypeDouble:
		return strconv.FormatFloat(v.F, 'f', -1, 64)
	default:
		return strconv.FormatInt(v.I, 10)
	}
}

func isFloatType(t VarType) bool { return t == TypeFloat || t == TypeDouble }

func arith(a, b Value, iop func(a, b int64) int64, fop func(a, b float64) float64) Value {
	if isFloatType(a.Type) || isFloatType(b.Type) {
		af, bf := a.F, b.F
		if !isFloatType(a.Type) {
			af = float64(a.I)
		}
		if !isFloatType(b.Type) {
			bf = float64(b.I)
		}
		t := a.Type
		if !isFloatType(t) {
			t = b.Type
		}
		return Value{Type: t, F: fop(af, bf)}
	}
	if a.Type == TypeString || b.Type == TypeString {
		return Value{Type: TypeString, S: asString(a) + asString(b)}
	}
	return Value{Type: a.Type, I: iop(a.I, b.I)}
}

func equalValue(a, b Value) bool {
	if a.Type == TypeString || b.Type == TypeString {
		return asString(a) == asString(b)
	}
	if isFloatType(a.Type) || isFloatType(b.Type) {
		return numF(a) == numF(b)
	}
	return a.I == b.I
}

func compareValue(a, b Value) int {
	if a.Type == TypeString || b.Type == TypeString {
		return strings.Compare(asString(a), asString(b))
	}
	af, bf := numF(a), numF(b)
	switch {
	case af < bf:
		return -1
	case af > bf:
		return 1
	default:
		return 0
	}
}

func numF(v Value) float64 {
	if isFloatType(v.Type) {
		return v.F
	}
	return float64(v.I)
}

func substr(s string, start, length int) string {
	if start < 0 {
		start = 0
	}
	if start > len(s) {
		return ""
	}
	end := start + length
	if end > len(s) {
		end = len(s)
	}
	if end < start {
		return ""
	}
	return s[start:end]
}

// coerce converts v to the target slot type at assignment time so Let
// never silently widens/narrows a value's dynamic type from its declared
// one, matching spec.md §3's "variables carry runtime type" invariant.
func coerce(v Value, t VarType) Value {
	if v.Type == t {
		return v
	}
	switch t {
	case TypeString:
		return Value{Type: t, S: asString(v)}
	case TypeBool:
		return Value{Type: t, B: truthy(v)}
	case TypeFloat, TypeDouble:
		return Value{Type: t, F: numF(v)}
	default:
		if isFloatType(v.Type) {
			return Value{Type: t, I: int64(v.F)}
		}
		if v.Type == TypeString {
			n, _ := strconv.ParseInt(strings.TrimSpace(v.S), 10, 64)
			return Value{Type: t, I: n}
		}
		return Value{Type: t, I: v.I}
	}
}
