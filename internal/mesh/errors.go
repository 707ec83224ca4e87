package mesh

import "github.com/aimaestro/aimaestrod/internal/core"

func errCircuitOpen(peerID string) error {
	return core.Newf(core.KindTransient, "peer %q circuit open", peerID)
}

func httpStatusError(peerID string, status int) error {
	return core.Newf(core.KindTransient, "peer %q returned status %d", peerID, status)
}
