package hsm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sidewalk-mfg/sidprov-go/pkg/cert"
)

// Authentication key slots of the Sidewalk signing domain.
const (
	AuthKeySlot        ObjectID = 5
	AuthKeySlotPreprod ObjectID = 6
)

// AuthSlots returns the slots tried for a stage, in order. A non-zero
// pinSlot overrides the defaults.
func AuthSlots(stage cert.Stage, pinSlot ObjectID) []ObjectID {
	if pinSlot != 0 {
		return []ObjectID{pinSlot}
	}
	if stage == cert.StagePreprod {
		return []ObjectID{AuthKeySlotPreprod, AuthKeySlot}
	}
	return []ObjectID{AuthKeySlot, AuthKeySlotPreprod}
}

// OpenSession authenticates against the first existing auth key slot.
// A slot that does not exist moves on to the next one; any other failure
// aborts. A nil logger uses slog.Default().
func OpenSession(ctx context.Context, conn Connector, pin string, pinSlot ObjectID, stage cert.Stage, logger *slog.Logger) (Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, slot := range AuthSlots(stage, pinSlot) {
		logger.Debug("authenticating", "slot", uint16(slot))
		s, err := conn.CreateSession(ctx, slot, pin)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrObjectNotFound) {
			return nil, fmt.Errorf("auth key slot %d: %w", uint16(slot), err)
		}
	}
	return nil, ErrNoAuthKeySlot
}
