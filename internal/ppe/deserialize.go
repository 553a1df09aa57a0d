package ppe

import (
	"encoding/binary"
	"fmt"

	"github.com/mkrueger/icy-board-sub002/internal/bbserrors"
)

// Deserialize decodes a compiled PPE binary into a Program. The on-disk
// shape spec.md §6 describes is: a variable-table section (one entry per
// declared variable/array/function/procedure), followed by a code section
// of u16 words that is itself a flat stream of statement opcodes whose
// operands are prefix expression trees closed by CPAR(-1).
//
// Member references/calls are distinguished from ordinary value/dim/call
// tokens by a negative marker word (MemberReference = -N, MemberCall =
// -N) preceding the member id, per spec.md §6, decodeExprTokens handles
// both encodings uniformly via the signed word's sign bit.
func Deserialize(data []byte) (*Program, error) {
	d := &decoder{data: data}

	varCount, err := d.readU16()
	if err != nil {
		return nil, fmt.Errorf("ppe: reading variable count: %w", err)
	}
	table := NewVariableTable()
	for i := 0; i < int(varCount); i++ {
		v, err := d.readVariable()
		if err != nil {
			return nil, fmt.Errorf("ppe: reading variable %d: %w", i, err)
		}
		table.Add(v)
	}

	codeLen, err := d.readU16()
	if err != nil {
		return nil, fmt.Errorf("ppe: reading code length: %w", err)
	}
	code := make([]int16, codeLen)
	for i := range code {
		w, err := d.readS16()
		if err != nil {
			return nil, fmt.Errorf("ppe: reading code word %d: %w", i, err)
		}
		code[i] = w
	}

	stmts, err := decodeStatements(code)
	if err != nil {
		return nil, err
	}

	p := &Program{Vars: table, Stmts: stmts}
	p.ResolveLabels()
	return p, nil
}

type decoder struct {
	data []byte
	pos  int
}

func (d *decoder) readU16() (uint16, error) {
	if d.pos+2 > len(d.data) {
		return 0, bbserrors.ErrTooFewArguments
	}
	v := binary.LittleEndian.Uint16(d.data[d.pos:])
	d.pos += 2
	return v, nil
}

func (d *decoder) readS16() (int16, error) {
	v, err := d.readU16()
	return int16(v), err
}

func (d *decoder) readString() (string, error) {
	n, err := d.readU16()
	if err != nil {
		return "", err
	}
	if d.pos+int(n) > len(d.data) {
		return "", bbserrors.ErrTooFewArguments
	}
	s := string(d.data[d.pos : d.pos+int(n)])
	d.pos += int(n)
	return s, nil
}

func (d *decoder) readVariable() (Variable, error) {
	name, err := d.readString()
	if err != nil {
		return Variable{}, err
	}
	typ, err := d.readU16()
	if err != nil {
		return Variable{}, err
	}
	dim, err := d.readU16()
	if err != nil {
		return Variable{}, err
	}
	v := Variable{Name: name, Type: VarType(typ), Dim: int(dim)}
	for i := 0; i < int(dim) && i < 3; i++ {
		sz, err := d.readU16()
		if err != nil {
			return Variable{}, err
		}
		v.Sizes[i] = int(sz)
	}
	if v.Type == TypeFunction || v.Type == TypeProcedure {
		start, err := d.readU16()
		if err != nil {
			return Variable{}, err
		}
		params, err := d.readU16()
		if err != nil {
			return Variable{}, err
		}
		locals, err := d.readU16()
		if err != nil {
			return Variable{}, err
		}
		v.StartOffset = int(start)
		v.ParamCount = int(params)
		v.LocalCount = int(locals)
	}
	return v, nil
}

// Statement opcode words in the decoded code stream. These are distinct
// from the builtin OpCode space in opcode.go, they tag *statements*,
// not predefined calls.
const (
	wordEnd = iota
	wordReturn
	wordEndFunc
	wordEndProc
	wordStop
	wordLet
	wordIfNot
	wordGoto
	wordGosub
	wordLabel
	wordProcCall
	wordPredefCall
)

// Expression-stream marker words.
const (
	markValue         = 100
	markDim           = 101
	markFuncCall      = 102
	markPredefCall    = 103
	markCpar          = -1
	memberMarkerBase  = -2 // MemberReference/MemberCall are encoded as values <= memberMarkerBase
)

func decodeStatements(code []int16) ([]Stmt, error) {
	var stmts []Stmt
	i := 0
	for i < len(code) {
		op := code[i]
		i++
		switch op {
		case wordEnd:
			stmts = append(stmts, Stmt{Kind: StmtEnd})
		case wordReturn:
			stmts = append(stmts, Stmt{Kind: StmtReturn})
		case wordEndFunc:
			stmts = append(stmts, Stmt{Kind: StmtEndFunc})
		case wordEndProc:
			stmts = append(stmts, Stmt{Kind: StmtEndProc})
		case wordStop:
			stmts = append(stmts, Stmt{Kind: StmtStop})
		case wordLabel:
			if i >= len(code) {
				return nil, bbserrors.ErrTooFewArguments
			}
			name := fmt.Sprintf("L%d", code[i])
			i++
			stmts = append(stmts, Stmt{Kind: StmtLabel, Label: name})
		case wordGoto, wordGosub:
			if i >= len(code) {
				return nil, bbserrors.ErrTooFewArguments
			}
			name := fmt.Sprintf("L%d", code[i])
			i++
			kind := StmtGoto
			if op == wordGosub {
				kind = StmtGosub
			}
			stmts = append(stmts, Stmt{Kind: kind, Label: name})
		case wordIfNot:
			target, n, err := decodeExpr(code[i:])
			if err != nil {
				return nil, err
			}
			i += n
			if i >= len(code) {
				return nil, bbserrors.ErrTooFewArguments
			}
			name := fmt.Sprintf("L%d", code[i])
			i++
			stmts = append(stmts, Stmt{Kind: StmtIfNot, Cond: target, Label: name})
		case wordLet:
			target, n, err := decodeExpr(code[i:])
			if err != nil {
				return nil, err
			}
			i += n
			value, n2, err := decodeExpr(code[i:])
			if err != nil {
				return nil, err
			}
			i += n2
			stmts = append(stmts, Stmt{Kind: StmtLet, Target: target, Value: value})
		case wordProcCall:
			if i >= len(code) {
				return nil, bbserrors.ErrTooFewArguments
			}
			procID := int(code[i])
			i++
			args, n, err := decodeArgListWords(code[i:])
			if err != nil {
				return nil, err
			}
			i += n
			stmts = append(stmts, Stmt{Kind: StmtProcedureCall, ProcID: procID, Args: args})
		case wordPredefCall:
			if i >= len(code) {
				return nil, bbserrors.ErrTooFewArguments
			}
			opcode := OpCode(code[i])
			i++
			args, n, err := decodeArgListWords(code[i:])
			if err != nil {
				return nil, err
			}
			i += n
			stmts = append(stmts, Stmt{Kind: StmtPredefinedCall, Op: opcode, OpArgs: args})
		default:
			return nil, &bbserrors.UnknownOpcode{Opcode: int(op)}
		}
	}
	return stmts, nil
}

// decodeExpr decodes one prefix expression from code, returning how many
// words it consumed.
func decodeExpr(code []int16) (Expr, int, error) {
	if len(code) == 0 {
		return Expr{}, 0, bbserrors.ErrTooFewArguments
	}
	head := code[0]
	switch {
	case head == markValue:
		if len(code) < 2 {
			return Expr{}, 0, bbserrors.ErrTooFewArguments
		}
		return Expr{Kind: ExprValue, VarID: int(code[1])}, 2, nil
	case head == markDim:
		if len(code) < 2 {
			return Expr{}, 0, bbserrors.ErrTooFewArguments
		}
		varID := int(code[1])
		args, n, err := decodeArgListWords(code[2:])
		if err != nil {
			return Expr{}, 0, err
		}
		return Expr{Kind: ExprDim, VarID: varID, Indices: args}, 2 + n, nil
	case head == markFuncCall:
		if len(code) < 2 {
			return Expr{}, 0, bbserrors.ErrTooFewArguments
		}
		varID := int(code[1])
		args, n, err := decodeArgListWords(code[2:])
		if err != nil {
			return Expr{}, 0, err
		}
		return Expr{Kind: ExprFunctionCall, VarID: varID, Args: args}, 2 + n, nil
	case head == markPredefCall:
		if len(code) < 2 {
			return Expr{}, 0, bbserrors.ErrTooFewArguments
		}
		opcode := OpCode(code[1])
		args, n, err := decodeArgListWords(code[2:])
		if err != nil {
			return Expr{}, 0, err
		}
		return Expr{Kind: ExprPredefinedCall, Op: opcode, OpArgs: args}, 2 + n, nil
	case head <= memberMarkerBase:
		// Member reference: marker encodes -(2+memberID); the target
		// expression follows immediately. Member *calls* are distinguished
		// at the statement level (wordPredefCall/wordProcCall wrap a
		// member target directly), so this path always yields ExprMember.
		memberID := int(-head - 2)
		target, n, err := decodeExpr(code[1:])
		if err != nil {
			return Expr{}, 0, err
		}
		return Expr{Kind: ExprMember, Target: &target, MemberID: memberID}, 1 + n, nil
	default:
		return Expr{}, 0, &bbserrors.UnknownOpcode{Opcode: int(head)}
	}
}

func decodeArgListWords(code []int16) ([]Expr, int, error) {
	var args []Expr
	consumed := 0
	for {
		if consumed >= len(code) {
			return nil, 0, bbserrors.ErrTooFewArguments
		}
		if code[consumed] == markCpar {
			consumed++
			return args, consumed, nil
		}
		e, n, err := decodeExpr(code[consumed:])
		if err != nil {
			return nil, 0, err
		}
		consumed += n
		args = append(args, e)
	}
}
