package amp

import (
	"encoding/base64"

	"github.com/aimaestro/aimaestrod/internal/core"
)

func encodeSig(sig []byte) string {
	return base64.StdEncoding.EncodeToString(sig)
}

func decodeSig(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, core.Wrap(core.KindIntegrity, "decode signature", err)
	}
	return b, nil
}
