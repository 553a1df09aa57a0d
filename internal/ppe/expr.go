package ppe

import "github.com/mkrueger/icy-board-sub002/internal/bbserrors"

// ExprKind tags the operand tree node types spec.md §6 requires: a plain
// variable reference, a dimensioned (array) reference, a user-defined
// function or procedure call, a predefined (builtin opcode) call, and
// member access/call for host-exposed object handles.
type ExprKind int

const (
	ExprValue ExprKind = iota
	ExprDim
	ExprFunctionCall
	ExprPredefinedCall
	ExprMember
	ExprMemberCall
)

// Expr is one node of a PPE operand expression tree. Every reachable
// subexpression is itself an Expr, so an n-ary call's Args is just more
// Exprs, the tree shape mirrors the CPAR(-1)-terminated prefix sequence
// the deserializer parses it from.
type Expr struct {
	Kind ExprKind

	// ExprValue / ExprDim / ExprFunctionCall
	VarID   int
	Indices []Expr // ExprDim

	// ExprFunctionCall
	Args []Expr

	// ExprPredefinedCall
	Op       OpCode
	OpArgs   []Expr

	// ExprMember / ExprMemberCall
	Target   *Expr
	MemberID int
	CallArgs []Expr
}

// cparSentinel is the deserialized operand terminator spec.md §6 names:
// a CPAR token carrying -1, closing the current prefix expression.
const cparSentinel = -1

// exprToken is one decoded token in the flat prefix-expression stream a
// deserialized statement's operand sits on, before it is folded into an
// Expr tree by parseExpr.
type exprToken struct {
	// kind mirrors ExprKind, plus a dedicated cpar marker.
	kind    int
	varID   int
	opcode  OpCode
	isCpar  bool
}

const (
	tokValue = iota
	tokDim
	tokFuncCall
	tokPredefinedCall
	tokMember
	tokMemberCall
	tokCpar
)

// exprReader walks a flat token stream left to right, the shape the
// on-disk format actually stores operand trees in (prefix notation,
// closed by a literal CPAR(-1) rather than a length prefix).
type exprReader struct {
	toks []exprToken
	pos  int
}

func (r *exprReader) next() (exprToken, bool) {
	if r.pos >= len(r.toks) {
		return exprToken{}, false
	}
	t := r.toks[r.pos]
	r.pos++
	return t, true
}

// parseExpr consumes one prefix expression (and, recursively, all of its
// arguments) from r, per spec.md §6. A CPAR(-1) closes the *argument
// list* of a call or dim reference, not the reader itself, ordinary
// ExprValue tokens carry no terminator and simply return.
func parseExpr(r *exprReader) (Expr, error) {
	tok, ok := r.next()
	if !ok {
		return Expr{}, bbserrors.ErrLabelNotFound
	}
	switch tok.kind {
	case tokValue:
		return Expr{Kind: ExprValue, VarID: tok.varID}, nil
	case tokDim:
		args, err := parseArgList(r)
		if err != nil {
			return Expr{}, err
		}
		return Expr{Kind: ExprDim, VarID: tok.varID, Indices: args}, nil
	case tokFuncCall:
		args, err := parseArgList(r)
		if err != nil {
			return Expr{}, err
		}
		return Expr{Kind: ExprFunctionCall, VarID: tok.varID, Args: args}, nil
	case tokPredefinedCall:
		args, err := parseArgList(r)
		if err != nil {
			return Expr{}, err
		}
		return Expr{Kind: ExprPredefinedCall, Op: tok.opcode, OpArgs: args}, nil
	case tokMember:
		target, err := parseExpr(r)
		if err != nil {
			return Expr{}, err
		}
		return Expr{Kind: ExprMember, Target: &target, MemberID: tok.varID}, nil
	case tokMemberCall:
		target, err := parseExpr(r)
		if err != nil {
			return Expr{}, err
		}
		args, err := parseArgList(r)
		if err != nil {
			return Expr{}, err
		}
		return Expr{Kind: ExprMemberCall, Target: &target, MemberID: tok.varID, CallArgs: args}, nil
	default:
		return Expr{}, &bbserrors.UnknownOpcode{Opcode: int(tok.opcode)}
	}
}

// parseArgList reads Exprs until a CPAR(-1) token closes the list, the
// convention spec.md §6's property tests assert round-trips through the
// deserializer unchanged.
func parseArgList(r *exprReader) ([]Expr, error) {
	var args []Expr
	for {
		if r.pos < len(r.toks) && r.toks[r.pos].kind == tokCpar {
			r.pos++
			return args, nil
		}
		e, err := parseExpr(r)
		if err != nil {
			return nil, err
		}
		args = append(args, e)
	}
}

// encodeArgList is parseArgList's inverse, used both by the compiler
// (lowering surface constructs into operand trees) and by tests checking
// that decode-then-encode is stable, per spec.md §8.
func encodeArgList(args []Expr) []exprToken {
	var out []exprToken
	for _, a := range args {
		out = append(out, encodeExpr(a)...)
	}
	out = append(out, exprToken{kind: tokCpar, isCpar: true})
	return out
}

func encodeExpr(e Expr) []exprToken {
	switch e.Kind {
	case ExprValue:
		return []exprToken{{kind: tokValue, varID: e.VarID}}
	case ExprDim:
		out := []exprToken{{kind: tokDim, varID: e.VarID}}
		return append(out, encodeArgList(e.Indices)...)
	case ExprFunctionCall:
		out := []exprToken{{kind: tokFuncCall, varID: e.VarID}}
		return append(out, encodeArgList(e.Args)...)
	case ExprPredefinedCall:
		out := []exprToken{{kind: tokPredefinedCall, opcode: e.Op}}
		return append(out, encodeArgList(e.OpArgs)...)
	case ExprMember:
		out := []exprToken{{kind: tokMember, varID: e.MemberID}}
		return append(out, encodeExpr(*e.Target)...)
	case ExprMemberCall:
		out := []exprToken{{kind: tokMemberCall, varID: e.MemberID}}
		out = append(out, encodeExpr(*e.Target)...)
		return append(out, encodeArgList(e.CallArgs)...)
	default:
		return nil
	}
}
