package dimse

import (
	"context"
	"fmt"
	"time"
)

// CEcho verifies the peer is reachable and responding.
func (a *Association) CEcho(ctx context.Context, timeout time.Duration) error {
	if err := a.Connect(ctx); err != nil {
		return err
	}
	a.setDeadline(ctx, timeout)

	cmd := newElementBuilder()
	cmd.setString(tagAffectedSOPClassUID, VerificationSOPClass)
	cmd.setUint16(tagCommandField, commandCEchoRQ)
	cmd.setUint16(tagMessageID, a.nextMessageID())
	cmd.setUint16(tagCommandDataSetType, dataSetAbsent)

	ctxID, err := a.contextID(VerificationSOPClass)
	if err != nil {
		return err
	}
	if err := a.sendMessage(ctxID, cmd.encodeCommand(), nil); err != nil {
		return fmt.Errorf("failed to send C-ECHO-RQ: %w", err)
	}

	rsp, _, err := a.receiveMessage()
	if err != nil {
		return fmt.Errorf("failed to receive C-ECHO-RSP: %w", err)
	}
	if status := rsp.status(); status != statusSuccess {
		return fmt.Errorf("C-ECHO failed with status 0x%04x", status)
	}
	return nil
}
