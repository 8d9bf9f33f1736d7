// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package update

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// ValidateBoot confirms the running image on the first boot after an
// update, cancelling the pending rollback. Images without rollback tracking
// need no action.
func ValidateBoot(pm PartitionManager, log zerolog.Logger) error {
	log = log.With().Str("component", "update").Logger()

	state, err := pm.RunningPartitionState()
	if errors.Is(err, ErrUnsupported) || (err == nil && state == StateUnsupported) {
		log.Debug().Msg("Running image has no rollback tracking")
		return nil
	}
	if err != nil {
		return fmt.Errorf("read running partition state: %w", err)
	}

	if state != StatePendingVerify {
		log.Debug().Str("state", state.String()).Msg("Running image already verified")
		return nil
	}
	if err := pm.MarkValidCancelRollback(); err != nil {
		return fmt.Errorf("mark running image valid: %w", err)
	}
	log.Info().Msg("First boot of new image, marked valid")
	return nil
}
