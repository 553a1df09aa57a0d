package jam

import "fmt"

// formatMSGID renders the "address hexserial" MSGID kludge form
// (e.g., "1:103/705 0012ab34").
func formatMSGID(origAddr string, serial uint32) string {
	return fmt.Sprintf("%s %08x", origAddr, serial)
}

// GenerateMSGID creates a unique MSGID using the base's serial counter.
// Acquires b.mu internally; do not call while holding b.mu.
func (b *Base) GenerateMSGID(origAddr string) (string, error) {
	serial, err := b.GetNextMsgSerial()
	if err != nil {
		return "", fmt.Errorf("jam: failed to get serial: %w", err)
	}
	return formatMSGID(origAddr, serial), nil
}

// generateMSGIDLocked is for callers that already hold b.mu.
func (b *Base) generateMSGIDLocked(origAddr string) (string, error) {
	serial, err := b.getNextMsgSerialLocked()
	if err != nil {
		return "", fmt.Errorf("jam: failed to get serial: %w", err)
	}
	return formatMSGID(origAddr, serial), nil
}
