package dimse

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// MoveResult summarises the sub-operations of one C-MOVE.
type MoveResult struct {
	Completed int
	Failed    int
	Warnings  int
}

// MoveStudy instructs the peer to C-STORE a whole study to destinationAET.
func (a *Association) MoveStudy(ctx context.Context, studyUID, destinationAET string, timeout time.Duration) (MoveResult, error) {
	identifier := newElementBuilder()
	identifier.setString(TagQueryRetrieveLevel, "STUDY")
	identifier.setString(TagStudyInstanceUID, studyUID)
	return a.move(ctx, identifier, destinationAET, timeout)
}

// MoveInstances retrieves specific SOP instances of one series, used to
// repair partially-transferred studies.
func (a *Association) MoveInstances(ctx context.Context, studyUID, seriesUID string, sopInstanceUIDs []string, destinationAET string, timeout time.Duration) (MoveResult, error) {
	identifier := newElementBuilder()
	identifier.setString(TagQueryRetrieveLevel, "IMAGE")
	identifier.setString(TagStudyInstanceUID, studyUID)
	identifier.setString(TagSeriesInstanceUID, seriesUID)
	identifier.setString(TagSOPInstanceUID, strings.Join(sopInstanceUIDs, "\\"))
	return a.move(ctx, identifier, destinationAET, timeout)
}

func (a *Association) move(ctx context.Context, identifier *elementBuilder, destinationAET string, timeout time.Duration) (MoveResult, error) {
	var result MoveResult

	if err := a.Connect(ctx); err != nil {
		return result, err
	}
	a.setDeadline(ctx, timeout)

	ctxID, err := a.contextID(StudyRootMove)
	if err != nil {
		return result, err
	}

	cmd := newElementBuilder()
	cmd.setString(tagAffectedSOPClassUID, StudyRootMove)
	cmd.setUint16(tagCommandField, commandCMoveRQ)
	cmd.setUint16(tagMessageID, a.nextMessageID())
	cmd.setString(tagMoveDestination, destinationAET)
	cmd.setUint16(tagPriority, 0)
	cmd.setUint16(tagCommandDataSetType, 0x0001)

	if err := a.sendMessage(ctxID, cmd.encodeCommand(), identifier.encode()); err != nil {
		return result, fmt.Errorf("failed to send C-MOVE-RQ: %w", err)
	}

	// The peer reports sub-operation progress in interim responses; the
	// context deadline covers the whole transfer.
	for {
		select {
		case <-ctx.Done():
			_ = a.Abort()
			return result, ctx.Err()
		default:
		}

		rsp, _, err := a.receiveMessage()
		if err != nil {
			return result, fmt.Errorf("failed to receive C-MOVE-RSP: %w", err)
		}

		if completed, ok := rsp.uint16Value(tagCompletedSubOps); ok {
			result.Completed = int(completed)
		}
		if failed, ok := rsp.uint16Value(tagFailedSubOps); ok {
			result.Failed = int(failed)
		}
		if warnings, ok := rsp.uint16Value(tagWarningSubOps); ok {
			result.Warnings = int(warnings)
		}

		switch status := rsp.status(); status {
		case statusPending, statusPendingWarning:
			continue
		case statusSuccess:
			return result, nil
		default:
			return result, fmt.Errorf("C-MOVE failed with status 0x%04x (%d failed sub-ops)",
				status, result.Failed)
		}
	}
}
