package ppe

import (
	"bytes"
	"errors"
	"testing"

	"github.com/mkrueger/icy-board-sub002/internal/bbserrors"
)

func buildLoopProgram() *Program {
	vars := NewVariableTable()
	i := intVar(vars, "I", 0)
	one := intVar(vars, "", 1)
	five := intVar(vars, "", 5)

	c := NewCompiler(vars)
	c.While(binExpr(OpLt, varExpr(i), varExpr(five)), func() {
		c.CompoundAssign(varExpr(i), OpAdd, varExpr(one))
	})
	c.PredefinedCall(OpNewLine, nil)
	c.End()
	return c.Program()
}

// Decoding is deterministic and re-encoding a decoded Program reproduces
// the same byte image.
func TestSerializeDeserializeRoundTrip(t *testing.T) {
	img1, err := Serialize(buildLoopProgram())
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	prog2, err := Deserialize(img1)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	img2, err := Serialize(prog2)
	if err != nil {
		t.Fatalf("re-serialize: %v", err)
	}
	if !bytes.Equal(img1, img2) {
		t.Fatalf("byte image not stable across decode/encode (%d vs %d bytes)", len(img1), len(img2))
	}

	// Decoding twice yields the same statement stream.
	prog3, err := Deserialize(img1)
	if err != nil {
		t.Fatalf("second deserialize: %v", err)
	}
	if len(prog2.Stmts) != len(prog3.Stmts) {
		t.Fatalf("decode not deterministic: %d vs %d statements", len(prog2.Stmts), len(prog3.Stmts))
	}
	for n := range prog2.Stmts {
		if prog2.Stmts[n].Kind != prog3.Stmts[n].Kind || prog2.Stmts[n].Label != prog3.Stmts[n].Label {
			t.Fatalf("decode not deterministic at statement %d", n)
		}
	}
}

func TestDeserializeRejectsUnknownStatementWord(t *testing.T) {
	vars := NewVariableTable()
	c := NewCompiler(vars)
	c.End()
	img, err := Serialize(c.Program())
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	// Corrupt the single statement word (last two bytes) to an
	// out-of-range statement opcode.
	img[len(img)-2] = 0x63
	img[len(img)-1] = 0x00

	_, err = Deserialize(img)
	var unk *bbserrors.UnknownOpcode
	if !errors.As(err, &unk) {
		t.Fatalf("err = %v, want UnknownOpcode", err)
	}
}

func TestDeserializeRejectsTruncatedImage(t *testing.T) {
	img, err := Serialize(buildLoopProgram())
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if _, err := Deserialize(img[:len(img)-3]); err == nil {
		t.Fatal("truncated image decoded without error")
	}
}

func TestFunctionVariableMetadataRoundTrips(t *testing.T) {
	vars := NewVariableTable()
	vars.Add(Variable{Name: "DOUBLE", Type: TypeFunction, StartOffset: 4, ParamCount: 1, LocalCount: 2})
	vars.Add(Variable{Name: "GRID", Type: TypeS32, Dim: 2, Sizes: [3]int{3, 4}})

	c := NewCompiler(vars)
	c.End()
	img, err := Serialize(c.Program())
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	prog, err := Deserialize(img)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}

	fn := prog.Vars.Get(0)
	if fn.Name != "DOUBLE" || fn.Type != TypeFunction || fn.StartOffset != 4 || fn.ParamCount != 1 || fn.LocalCount != 2 {
		t.Fatalf("function slot = %+v", fn)
	}
	arr := prog.Vars.Get(1)
	if arr.Dim != 2 || arr.Sizes[0] != 3 || arr.Sizes[1] != 4 {
		t.Fatalf("array slot = %+v", arr)
	}
}
