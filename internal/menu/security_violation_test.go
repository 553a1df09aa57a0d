package menu

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"golang.org/x/term"

	"github.com/mkrueger/icy-board-sub002/internal/ansi"
	"github.com/mkrueger/icy-board-sub002/internal/icetext"
	"github.com/mkrueger/icy-board-sub002/internal/noderegistry"
)

type rwPair struct {
	io.Reader
	io.Writer
}

func TestRecordSecurityViolationCountsAndDisconnects(t *testing.T) {
	reg := noderegistry.NewRegistry()
	entry := &noderegistry.Entry{NodeID: 1}
	reg.Register(entry)

	table, err := icetext.Load("")
	if err != nil {
		t.Fatalf("loading default text table: %v", err)
	}
	e := &MenuExecutor{SessionRegistry: reg, IceText: table}

	var out bytes.Buffer
	terminal := term.NewTerminal(rwPair{bytes.NewReader(nil), &out}, "")

	for i := 1; i <= securityViolationLimit; i++ {
		if e.recordSecurityViolation(terminal, 1, nil, ansi.OutputModeUTF8) {
			t.Fatalf("violation %d triggered disconnect before the limit", i)
		}
	}
	if !e.recordSecurityViolation(terminal, 1, nil, ansi.OutputModeUTF8) {
		t.Fatalf("violation %d did not trigger disconnect", securityViolationLimit+1)
	}
	if entry.SecurityViolations != securityViolationLimit+1 {
		t.Fatalf("counter = %d, want %d", entry.SecurityViolations, securityViolationLimit+1)
	}
	if !strings.Contains(out.String(), table.Get(icetext.TextMenuSelectionUnavailable)) {
		t.Fatalf("menu-unavailable text never emitted; output: %q", out.String())
	}
	if !strings.Contains(out.String(), table.Get(icetext.TextSecurityViolationDisconnect)) {
		t.Fatalf("disconnect text not emitted; output: %q", out.String())
	}
}

func TestRecordSecurityViolationWithoutRegistryEntry(t *testing.T) {
	table, err := icetext.Load("")
	if err != nil {
		t.Fatalf("loading default text table: %v", err)
	}
	e := &MenuExecutor{SessionRegistry: noderegistry.NewRegistry(), IceText: table}

	var out bytes.Buffer
	terminal := term.NewTerminal(rwPair{bytes.NewReader(nil), &out}, "")
	if e.recordSecurityViolation(terminal, 99, nil, ansi.OutputModeUTF8) {
		t.Fatal("unregistered node must not disconnect")
	}
}
