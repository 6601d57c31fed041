package agent

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
)

// Extranonce is what an upstream pool hands out in its subscribe result.
type Extranonce struct {
	Extranonce1     string
	Extranonce2Size int
}

// extranonceCodec carves a fixed-width session prefix out of the upstream
// extranonce2 space. Miners see it as the tail of their extranonce1, the
// pool sees it as the head of extranonce2.
type extranonceCodec struct {
	size int
}

func newExtranonceCodec(size int) extranonceCodec {
	if size < 1 {
		size = 1
	}
	if size > maxSessionIdBytes {
		size = maxSessionIdBytes
	}
	return extranonceCodec{size: size}
}

func (c extranonceCodec) MaxSessions() uint32 {
	return uint32(1) << (8 * c.size)
}

func (c extranonceCodec) Prefix(sessionId uint32) string {
	return fmt.Sprintf("%0*x", c.size*2, sessionId)
}

// Downstream returns the extranonce1 and extranonce2 size a session bound to
// a pool with ex must be given.
func (c extranonceCodec) Downstream(ex Extranonce, sessionId uint32) (string, int, error) {
	if ex.Extranonce2Size <= c.size {
		return "", 0, errors.Wrapf(ErrProtocol, "extranonce2_size %d leaves no room for a %d byte session prefix",
			ex.Extranonce2Size, c.size)
	}
	return ex.Extranonce1 + c.Prefix(sessionId), ex.Extranonce2Size - c.size, nil
}

// Upstream prefixes the miner's extranonce2 with its session id.
func (c extranonceCodec) Upstream(sessionId uint32, minerExtranonce2 string) string {
	return c.Prefix(sessionId) + minerExtranonce2
}

// SessionId recovers the session id from an upstream extranonce2.
func (c extranonceCodec) SessionId(upstreamExtranonce2 string) (uint32, error) {
	if len(upstreamExtranonce2) < c.size*2 {
		return 0, errors.Wrapf(ErrProtocol, "extranonce2 %q shorter than session prefix", upstreamExtranonce2)
	}
	id, err := strconv.ParseUint(upstreamExtranonce2[:c.size*2], 16, 32)
	if err != nil {
		return 0, errors.Wrapf(ErrProtocol, "extranonce2 prefix %q is not hex", upstreamExtranonce2[:c.size*2])
	}
	return uint32(id), nil
}

func validateMinerExtranonce2(en2 string, size int) error {
	if len(en2) != size*2 {
		return errors.Wrapf(ErrProtocol, "extranonce2 %q should be %d bytes", en2, size)
	}
	if _, err := hex.DecodeString(en2); err != nil {
		return errors.Wrapf(ErrProtocol, "extranonce2 %q is not hex", en2)
	}
	return nil
}
