package ppe

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/mkrueger/icy-board-sub002/internal/bbserrors"
)

// Serialize is Deserialize's inverse: it renders a Program back into the
// variable-table + u16-code-word binary image. Decoding a serialized
// image yields an equal Program, and re-serializing a decoded image
// reproduces it byte for byte (spec.md §8's determinism property) -
// label names must follow the decoder's "L<number>" convention, which
// both the deserializer and the Compiler emit.
func Serialize(p *Program) ([]byte, error) {
	e := &encoder{}

	e.writeU16(uint16(p.Vars.Len()))
	for i := 0; i < p.Vars.Len(); i++ {
		e.writeVariable(p.Vars.Get(i))
	}

	var code []int16
	for _, s := range p.Stmts {
		words, err := encodeStatement(s)
		if err != nil {
			return nil, err
		}
		code = append(code, words...)
	}
	e.writeU16(uint16(len(code)))
	for _, w := range code {
		e.writeU16(uint16(w))
	}
	return e.buf, nil
}

type encoder struct {
	buf []byte
}

func (e *encoder) writeU16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) writeString(s string) {
	e.writeU16(uint16(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) writeVariable(v *Variable) {
	e.writeString(v.Name)
	e.writeU16(uint16(v.Type))
	e.writeU16(uint16(v.Dim))
	for i := 0; i < v.Dim && i < 3; i++ {
		e.writeU16(uint16(v.Sizes[i]))
	}
	if v.Type == TypeFunction || v.Type == TypeProcedure {
		e.writeU16(uint16(v.StartOffset))
		e.writeU16(uint16(v.ParamCount))
		e.writeU16(uint16(v.LocalCount))
	}
}

func labelNumber(name string) (int16, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(name, "L"))
	if err != nil {
		return 0, fmt.Errorf("ppe: label %q is not serializable: %w", name, err)
	}
	return int16(n), nil
}

func encodeStatement(s Stmt) ([]int16, error) {
	switch s.Kind {
	case StmtEnd:
		return []int16{wordEnd}, nil
	case StmtReturn:
		return []int16{wordReturn}, nil
	case StmtEndFunc:
		return []int16{wordEndFunc}, nil
	case StmtEndProc:
		return []int16{wordEndProc}, nil
	case StmtStop:
		return []int16{wordStop}, nil
	case StmtLabel:
		n, err := labelNumber(s.Label)
		if err != nil {
			return nil, err
		}
		return []int16{wordLabel, n}, nil
	case StmtGoto, StmtGosub:
		n, err := labelNumber(s.Label)
		if err != nil {
			return nil, err
		}
		word := int16(wordGoto)
		if s.Kind == StmtGosub {
			word = wordGosub
		}
		return []int16{word, n}, nil
	case StmtIfNot:
		cond, err := encodeExprWords(s.Cond)
		if err != nil {
			return nil, err
		}
		n, err := labelNumber(s.Label)
		if err != nil {
			return nil, err
		}
		out := append([]int16{wordIfNot}, cond...)
		return append(out, n), nil
	case StmtLet:
		target, err := encodeExprWords(s.Target)
		if err != nil {
			return nil, err
		}
		value, err := encodeExprWords(s.Value)
		if err != nil {
			return nil, err
		}
		out := append([]int16{wordLet}, target...)
		return append(out, value...), nil
	case StmtProcedureCall:
		args, err := encodeArgListWords(s.Args)
		if err != nil {
			return nil, err
		}
		out := []int16{wordProcCall, int16(s.ProcID)}
		return append(out, args...), nil
	case StmtPredefinedCall:
		args, err := encodeArgListWords(s.OpArgs)
		if err != nil {
			return nil, err
		}
		out := []int16{wordPredefCall, int16(s.Op)}
		return append(out, args...), nil
	default:
		return nil, fmt.Errorf("ppe: statement kind %d is not serializable", s.Kind)
	}
}

func encodeExprWords(e Expr) ([]int16, error) {
	switch e.Kind {
	case ExprValue:
		return []int16{markValue, int16(e.VarID)}, nil
	case ExprDim:
		args, err := encodeArgListWords(e.Indices)
		if err != nil {
			return nil, err
		}
		return append([]int16{markDim, int16(e.VarID)}, args...), nil
	case ExprFunctionCall:
		args, err := encodeArgListWords(e.Args)
		if err != nil {
			return nil, err
		}
		return append([]int16{markFuncCall, int16(e.VarID)}, args...), nil
	case ExprPredefinedCall:
		args, err := encodeArgListWords(e.OpArgs)
		if err != nil {
			return nil, err
		}
		return append([]int16{markPredefCall, int16(e.Op)}, args...), nil
	case ExprMember:
		if e.Target == nil {
			return nil, bbserrors.ErrLetTargetInvalid
		}
		target, err := encodeExprWords(*e.Target)
		if err != nil {
			return nil, err
		}
		marker := int16(-(e.MemberID + 2))
		return append([]int16{marker}, target...), nil
	default:
		return nil, fmt.Errorf("ppe: expression kind %d is not serializable", e.Kind)
	}
}

func encodeArgListWords(args []Expr) ([]int16, error) {
	var out []int16
	for _, a := range args {
		w, err := encodeExprWords(a)
		if err != nil {
			return nil, err
		}
		out = append(out, w...)
	}
	return append(out, markCpar), nil
}
