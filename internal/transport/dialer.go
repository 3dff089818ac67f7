package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/rs/zerolog"
)

// Dial connects to a host's listener at addr (a resolved "host:port" from
// the discovery collaborator) and returns a framed Conn. The framing is
// symmetric: the dialing side uses the same read/write primitives as the
// listening side.
func Dial(ctx context.Context, addr string, log zerolog.Logger) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	log.Info().Str("addr", addr).Msg("connected")
	return newConn(nc, log), nil
}
