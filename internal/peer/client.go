// Package peer implements the browsing side of the pairing protocol:
// dial a host, run the PIN ritual, then pull metadata, thumbnails and
// files over the framed connection.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"mediapair/internal/asset"
	"mediapair/internal/transport"
	"mediapair/internal/wire"
)

// ErrClosed reports that the connection ended before the awaited
// response arrived.
var ErrClosed = errors.New("connection closed")

// NotifyFunc receives NOTIFICATION text pushed by the host (wrong-PIN
// hints, list failures). May be nil.
type NotifyFunc func(text string)

// SubmitResult is the host's answer to one VERIFY_PIN attempt.
type SubmitResult struct {
	Accepted bool
	// Reason is the host's PIN_FAIL code when not accepted: "wrong"
	// (retry on the same connection), "expired" or "locked" (the host
	// tore the pairing down; reconnect and redo Pair).
	Reason string
}

// Retryable reports whether another SubmitPIN on this connection can
// still succeed.
func (r SubmitResult) Retryable() bool {
	return !r.Accepted && r.Reason == "wrong"
}

// waiterKey matches a response frame to the call waiting for it. An
// empty info matches any frame of the command.
type waiterKey struct {
	cmd  wire.Command
	info string
}

// Client is the peer-side protocol driver. One background pump reads
// frames and routes them to whichever call is waiting; waiters are
// keyed by command and asset id, so fetches for distinct assets may run
// concurrently over the one connection.
type Client struct {
	conn   *transport.Conn
	log    zerolog.Logger
	notify NotifyFunc

	mu        sync.Mutex
	waiters   map[waiterKey]chan wire.Frame
	challenge func(code string)
	readErr   error
	done      chan struct{}
}

// Dial connects to a host at addr (resolved by the external discovery
// collaborator) and starts the read pump.
func Dial(ctx context.Context, addr string, notify NotifyFunc, log zerolog.Logger) (*Client, error) {
	conn, err := transport.Dial(ctx, addr, log)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:    conn,
		log:     log,
		notify:  notify,
		waiters: make(map[waiterKey]chan wire.Frame),
		done:    make(chan struct{}),
	}
	go c.pump()
	return c, nil
}

// Pair sends CONNECT with this device's display name and returns the
// 4-digit code from the host's PIN_CHALLENGE. The code is shown to the
// person driving the pairing; SubmitPIN sends back what they confirm.
func (c *Client) Pair(ctx context.Context, deviceName string) (string, error) {
	ch, err := c.request(ctx, wire.CmdConnect, deviceName, wire.CmdPinChallenge, "")
	if err != nil {
		return "", err
	}
	f, err := c.await(ctx, wire.CmdPinChallenge, "", ch)
	if err != nil {
		return "", fmt.Errorf("await challenge: %w", err)
	}
	return f.Info, nil
}

// OnChallenge registers f to receive codes from PIN_CHALLENGE frames no
// Pair call is awaiting. The host reissues the challenge when a code
// expires unanswered; register before Pair to catch the reissue.
func (c *Client) OnChallenge(f func(code string)) {
	c.mu.Lock()
	c.challenge = f
	c.mu.Unlock()
}

// SubmitPIN sends one VERIFY_PIN attempt and waits for PIN_OK or
// PIN_FAIL.
func (c *Client) SubmitPIN(ctx context.Context, candidate string) (SubmitResult, error) {
	okCh := c.arm(wire.CmdPinOK, "")
	failCh := c.arm(wire.CmdPinFail, "")
	if err := c.conn.WriteFrame(wire.CmdVerifyPin, candidate, nil); err != nil {
		c.disarm(wire.CmdPinOK, "")
		c.disarm(wire.CmdPinFail, "")
		return SubmitResult{}, fmt.Errorf("send pin: %w", err)
	}

	select {
	case <-okCh:
		c.disarm(wire.CmdPinFail, "")
		return SubmitResult{Accepted: true}, nil
	case f := <-failCh:
		c.disarm(wire.CmdPinOK, "")
		return SubmitResult{Reason: f.Info}, nil
	case <-c.done:
		// The host closes right after a terminal PIN_FAIL; prefer a
		// response that was already delivered over the close.
		select {
		case f := <-failCh:
			return SubmitResult{Reason: f.Info}, nil
		default:
		}
		select {
		case <-okCh:
			return SubmitResult{Accepted: true}, nil
		default:
		}
		return SubmitResult{}, c.closeErr()
	case <-ctx.Done():
		c.disarm(wire.CmdPinOK, "")
		c.disarm(wire.CmdPinFail, "")
		return SubmitResult{}, ctx.Err()
	}
}

// ListAssets requests the full metadata snapshot. The caller's context
// bounds the wait; the host answers failures with a NOTIFICATION, which
// surfaces through the notify callback rather than here.
func (c *Client) ListAssets(ctx context.Context) (asset.List, error) {
	ch, err := c.request(ctx, wire.CmdListAssets, "", wire.CmdAssetsList, "")
	if err != nil {
		return asset.List{}, err
	}
	f, err := c.await(ctx, wire.CmdAssetsList, "", ch)
	if err != nil {
		return asset.List{}, fmt.Errorf("await asset list: %w", err)
	}
	var list asset.List
	if err := json.Unmarshal(f.Payload, &list); err != nil {
		return asset.List{}, fmt.Errorf("decode asset list: %w", err)
	}
	return list, nil
}

// FetchThumbnail requests the thumbnail for id. The host drops unknown
// ids silently, so the caller must bound ctx; the deadline is the only
// failure signal for a missing asset.
func (c *Client) FetchThumbnail(ctx context.Context, id string) ([]byte, error) {
	ch, err := c.request(ctx, wire.CmdGetThumbnail, id, wire.CmdThumbnailData, id)
	if err != nil {
		return nil, err
	}
	f, err := c.await(ctx, wire.CmdThumbnailData, id, ch)
	if err != nil {
		return nil, fmt.Errorf("await thumbnail %s: %w", id, err)
	}
	return f.Payload, nil
}

// FetchFile pulls the full bytes for id. For a live photo this is the
// still component.
func (c *Client) FetchFile(ctx context.Context, id string) ([]byte, error) {
	ch, err := c.request(ctx, wire.CmdGetFullFile, id, wire.CmdFileData, id)
	if err != nil {
		return nil, err
	}
	f, err := c.await(ctx, wire.CmdFileData, id, ch)
	if err != nil {
		return nil, fmt.Errorf("await file %s: %w", id, err)
	}
	return f.Payload, nil
}

// FetchMotion pulls a live photo's paired motion component.
func (c *Client) FetchMotion(ctx context.Context, id string) ([]byte, error) {
	return c.FetchFile(ctx, id+asset.MotionSuffix)
}

// Disconnect tells the host we are leaving, then closes.
func (c *Client) Disconnect() error {
	err := c.conn.WriteFrame(wire.CmdDisconnect, "", nil)
	if closeErr := c.conn.Close(); err == nil {
		err = closeErr
	}
	return err
}

// Close tears the connection down without the goodbye frame.
func (c *Client) Close() error {
	return c.conn.Close()
}

// request arms the response waiter before writing, so the response
// cannot slip past between write and await.
func (c *Client) request(ctx context.Context, cmd wire.Command, info string, respCmd wire.Command, respInfo string) (<-chan wire.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := c.arm(respCmd, respInfo)
	if err := c.conn.WriteFrame(cmd, info, nil); err != nil {
		c.disarm(respCmd, respInfo)
		return nil, fmt.Errorf("send %s: %w", cmd, err)
	}
	return ch, nil
}

// arm registers a buffered waiter and returns its channel. The channel
// stays valid even after the pump consumes the waiter, so a response
// already delivered is never lost to a racing close.
func (c *Client) arm(cmd wire.Command, info string) <-chan wire.Frame {
	ch := make(chan wire.Frame, 1)
	c.mu.Lock()
	c.waiters[waiterKey{cmd, info}] = ch
	c.mu.Unlock()
	return ch
}

func (c *Client) disarm(cmd wire.Command, info string) {
	c.mu.Lock()
	delete(c.waiters, waiterKey{cmd, info})
	c.mu.Unlock()
}

func (c *Client) await(ctx context.Context, cmd wire.Command, info string, ch <-chan wire.Frame) (wire.Frame, error) {
	select {
	case f := <-ch:
		return f, nil
	case <-c.done:
		select {
		case f := <-ch:
			return f, nil
		default:
		}
		return wire.Frame{}, c.closeErr()
	case <-ctx.Done():
		c.disarm(cmd, info)
		return wire.Frame{}, ctx.Err()
	}
}

func (c *Client) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return c.readErr
	}
	return ErrClosed
}

// pump reads frames and routes them: NOTIFICATION to the callback,
// everything else to the armed waiter for its command. Frames nobody is
// waiting for are logged and dropped.
func (c *Client) pump() {
	for {
		f, err := c.conn.ReadFrame()
		if err != nil {
			c.mu.Lock()
			if errors.Is(err, transport.ErrClosed) {
				c.readErr = ErrClosed
			} else {
				c.readErr = err
			}
			c.mu.Unlock()
			close(c.done)
			return
		}

		if f.Command == wire.CmdNotification {
			c.log.Info().Str("text", f.Info).Msg("host notification")
			if c.notify != nil {
				c.notify(f.Info)
			}
			continue
		}

		key := waiterKey{f.Command, f.Info}
		c.mu.Lock()
		ch, ok := c.waiters[key]
		if !ok {
			key = waiterKey{f.Command, ""}
			ch, ok = c.waiters[key]
		}
		if ok {
			delete(c.waiters, key)
			c.mu.Unlock()
			ch <- f
			continue
		}
		cb := c.challenge
		c.mu.Unlock()
		if f.Command == wire.CmdPinChallenge && cb != nil {
			c.log.Info().Msg("host reissued the pairing challenge")
			cb(f.Info)
			continue
		}
		c.log.Debug().Stringer("command", f.Command).Msg("unsolicited frame dropped")
	}
}
