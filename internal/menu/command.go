package menu

import "github.com/mkrueger/icy-board-sub002/internal/acs"

// CommandRecord holds the definition of a single command from a .CFG file.
type CommandRecord struct {
	Keys    string `json:"KEYS"`              // Input key(s) to trigger command (space-separated)
	Command string `json:"CMD"`               // Command string (e.g., GOTO:MENU, RUN:PROG, LOGOFF)
	ACS     string `json:"ACS"`               // Access Control String; S/G conditions are a SecurityExpression (internal/acs)
	Hidden  bool   `json:"HIDDEN"`            // Whether the command is hidden (H flag)
	AutoRun string `json:"AUTORUN,omitempty"` // Type of auto-run (e.g., "ONCE_PER_SESSION")
}

// GetHidden is a helper method to safely access the Hidden field.
// (Kept for potential future use, though direct access is fine)
func (cr *CommandRecord) GetHidden() bool {
	return cr.Hidden
}

// SecurityExpression parses cr.ACS as the subset of the condition
// language internal/acs understands (S<level>, G:<name>, &, |,
// parentheses). It returns an error for ACS strings that use
// session/terminal condition codes (L, A, F, ...) that SecurityExpression
// does not model; those are still evaluated by checkACS/evaluateCondition
// against the live session.
func (cr *CommandRecord) SecurityExpression() (acs.Expr, error) {
	return acs.Parse(cr.ACS)
}
