package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"mediapair/internal/asset"
	"mediapair/internal/catalog"
	"mediapair/internal/pin"
	"mediapair/internal/transport"
	"mediapair/internal/wire"
)

// Config holds host runtime configuration.
type Config struct {
	Port         int
	PinTimeout   time.Duration
	CacheEntries int
	CacheBytes   int
}

// Notify receives status snapshots whenever the observable session state
// changes. It is invoked from the event loop; keep it fast. May be nil.
type Notify func(Status)

// frameEvent is a tagged message from a connection's read-loop goroutine.
// Tagging with the source connection lets the event loop discard stale
// events from a superseded connection.
type frameEvent struct {
	conn  *transport.Conn
	frame wire.Frame
	err   error
}

// syncEvent carries the result of the post-pairing metadata sync worker.
type syncEvent struct {
	conn *transport.Conn
	list asset.List
	err  error
}

type acceptResult struct {
	conn *transport.Conn
	err  error
}

// Host runs the library side of the pairing protocol. It owns the
// listener, the PIN gate, the thumbnail cache and the single live peer
// session. All machine mutation happens on the Run event loop.
type Host struct {
	cfg    Config
	store  asset.Store
	cache  *catalog.Cache
	log    zerolog.Logger
	notify Notify

	gate    *pin.Gate
	machine *Machine
	ln      *transport.Listener

	conn       *transport.Conn
	sessCtx    context.Context
	sessCancel context.CancelFunc

	thumbs      singleflight.Group
	pinExpiryCh chan struct{}
	retryCh     chan struct{}

	statusMu sync.Mutex
	status   Status

	// Ready is closed once the listener is bound, with Port set.
	Ready chan struct{}
	Port  int
}

// NewHost creates a host. Call Run to start serving.
func NewHost(cfg Config, store asset.Store, notify Notify, log zerolog.Logger) *Host {
	h := &Host{
		cfg:         cfg,
		store:       store,
		cache:       catalog.New(cfg.CacheEntries, cfg.CacheBytes),
		log:         log,
		notify:      notify,
		pinExpiryCh: make(chan struct{}, 1),
		retryCh:     make(chan struct{}, 1),
		Ready:       make(chan struct{}),
	}
	h.gate = pin.New(cfg.PinTimeout, func() {
		select {
		case h.pinExpiryCh <- struct{}{}:
		default:
		}
	})
	h.machine = NewMachine(h.gate, log)
	return h
}

// Status returns the latest published snapshot. Safe from any goroutine.
func (h *Host) Status() Status {
	h.statusMu.Lock()
	defer h.statusMu.Unlock()
	return h.status
}

// PinRemaining returns the seconds left on the active PIN countdown, a
// display-only projection.
func (h *Host) PinRemaining() int {
	return h.gate.Remaining()
}

// PinCode returns the active pairing code for operator display, or ""
// outside a pairing window.
func (h *Host) PinCode() string {
	return h.gate.Code()
}

// Retry asks an errored session to go back to searching. Serialized
// through the event loop like every other mutation.
func (h *Host) Retry() {
	select {
	case h.retryCh <- struct{}{}:
	default:
	}
}

// Run is the host's main loop. It binds the listener and serves peer
// sessions until the context is cancelled.
func (h *Host) Run(ctx context.Context) error {
	ln, err := transport.Listen(h.cfg.Port, h.log)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	h.ln = ln

	defer func() {
		h.dropConn()
		h.machine.Stop()
		h.ln.Close()
	}()

	h.machine.Start()
	h.publish()

	h.Port = ln.Port()
	close(h.Ready)
	h.log.Info().Int("port", h.Port).Msg("host listening")

	acceptCh := make(chan acceptResult, 1)
	go h.acceptOne(ctx, acceptCh)

	frameCh := make(chan frameEvent, 8)
	syncCh := make(chan syncEvent, 1)

	for {
		select {
		case res := <-acceptCh:
			if res.err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				h.log.Warn().Err(res.err).Msg("accept error")
			} else {
				h.adoptConn(ctx, res.conn, frameCh)
			}
			go h.acceptOne(ctx, acceptCh)

		case ev := <-frameCh:
			if ev.conn != h.conn {
				continue // stale event from a superseded connection
			}
			h.handleFrameEvent(ctx, ev, syncCh)

		case <-h.pinExpiryCh:
			if h.conn == nil {
				continue
			}
			tr := h.machine.HandlePinExpiry()
			h.dispatch(ctx, h.conn, tr, syncCh)
			h.publish()

		case ev := <-syncCh:
			if ev.conn != h.conn {
				continue
			}
			if ev.err != nil {
				h.failSession(fmt.Sprintf("library sync failed: %v", ev.err))
			} else {
				h.machine.CompleteSync(ev.list)
				h.log.Info().
					Int("assets", ev.list.TotalCount).
					Msg("sync complete, session ready")
			}
			h.publish()

		case <-h.retryCh:
			h.machine.Retry()
			h.publish()

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// acceptOne performs a single Accept; the loop re-arms it after handling
// the result.
func (h *Host) acceptOne(ctx context.Context, ch chan<- acceptResult) {
	conn, err := h.ln.Accept(ctx)
	ch <- acceptResult{conn: conn, err: err}
}

// adoptConn makes conn the live session connection. The listener already
// closed any superseded connection; here the protocol state is reset so
// the new peer starts from CONNECT.
func (h *Host) adoptConn(ctx context.Context, conn *transport.Conn, frameCh chan<- frameEvent) {
	if h.conn != nil {
		h.teardownSession()
	}
	if h.machine.State() == StateError {
		// A fresh peer connection is as good as an explicit retry.
		h.machine.Retry()
	}

	sessCtx, cancel := context.WithCancel(ctx)
	h.conn = conn
	h.sessCtx = sessCtx
	h.sessCancel = cancel
	h.publish()

	go func() {
		for {
			f, err := conn.ReadFrame()
			if err != nil {
				frameCh <- frameEvent{conn: conn, err: err}
				return
			}
			frameCh <- frameEvent{conn: conn, frame: f}
		}
	}()
}

func (h *Host) handleFrameEvent(ctx context.Context, ev frameEvent, syncCh chan<- syncEvent) {
	if ev.err != nil {
		if errors.Is(ev.err, transport.ErrClosed) {
			h.log.Info().Msg("peer connection closed")
			h.teardownSession()
		} else {
			h.failSession(fmt.Sprintf("connection failed: %v", ev.err))
		}
		h.publish()
		return
	}

	tr := h.machine.HandleFrame(ev.frame)
	h.dispatch(ctx, ev.conn, tr, syncCh)
	h.publish()
}

// dispatch writes the transition's frames in order, then launches its
// effects. Slow asset-store work runs on worker goroutines carrying the
// session context; their response writes are serialized by the
// connection's write lock.
func (h *Host) dispatch(ctx context.Context, conn *transport.Conn, tr Transition, syncCh chan<- syncEvent) {
	if conn == nil {
		return
	}
	for _, out := range tr.Send {
		if err := conn.WriteFrame(out.Command, out.Info, out.Payload); err != nil {
			h.failSession(fmt.Sprintf("write failed: %v", err))
			return
		}
	}

	for _, eff := range tr.Effects {
		switch eff.Kind {
		case EffectBeginSync:
			h.machine.BeginSync()
			go h.runSync(h.sessionContext(ctx), conn, syncCh)
		case EffectFetchAssetList:
			go h.serveAssetList(h.sessionContext(ctx), conn)
		case EffectFetchThumbnail:
			go h.serveThumbnail(h.sessionContext(ctx), conn, eff.AssetID)
		case EffectFetchFile:
			go h.serveFile(h.sessionContext(ctx), conn, eff.AssetID)
		case EffectTearDown:
			h.teardownConn()
		}
	}
}

// sessionContext is the cancelable context workers carry; canceling it
// on teardown drops in-flight fetches for a session that no longer
// exists.
func (h *Host) sessionContext(ctx context.Context) context.Context {
	if h.sessCtx != nil {
		return h.sessCtx
	}
	return ctx
}

// runSync loads the full metadata snapshot that backs the session's
// asset counts. Completion flows back through syncCh so the state change
// happens on the event loop.
func (h *Host) runSync(ctx context.Context, conn *transport.Conn, syncCh chan<- syncEvent) {
	list, err := asset.BuildList(ctx, h.store)
	select {
	case syncCh <- syncEvent{conn: conn, list: list, err: err}:
	case <-ctx.Done():
	}
}

// serveAssetList builds, serializes and streams the ASSETS_LIST
// response. A store failure here is answered explicitly: the peer would
// otherwise wait forever for a list that is not coming.
func (h *Host) serveAssetList(ctx context.Context, conn *transport.Conn) {
	list, err := asset.BuildList(ctx, h.store)
	if err != nil {
		h.log.Error().Err(err).Msg("asset list unavailable")
		h.writeBack(ctx, conn, wire.CmdNotification, "asset list unavailable", nil)
		return
	}
	payload, err := json.Marshal(list)
	if err != nil {
		h.log.Error().Err(err).Msg("asset list serialization failed")
		h.writeBack(ctx, conn, wire.CmdNotification, "asset list unavailable", nil)
		return
	}
	h.writeBack(ctx, conn, wire.CmdAssetsList, "", payload)
}

// serveThumbnail answers GET_THUMBNAIL cache-first. Generation for a
// given id is deduplicated, and the generated bytes are cached before
// any response goes out. A failed lookup produces no response frame; the
// peer applies its own timeout.
func (h *Host) serveThumbnail(ctx context.Context, conn *transport.Conn, id string) {
	if data, ok := h.cache.Get(id); ok {
		h.writeBack(ctx, conn, wire.CmdThumbnailData, id, data)
		return
	}

	v, err, _ := h.thumbs.Do(id, func() (any, error) {
		data, err := h.store.Thumbnail(ctx, id)
		if err != nil {
			return nil, err
		}
		h.cache.Put(id, data)
		return data, nil
	})
	if err != nil {
		h.log.Warn().Err(err).Str("asset", id).Msg("thumbnail dropped")
		return
	}
	h.writeBack(ctx, conn, wire.CmdThumbnailData, id, v.([]byte))
}

// serveFile answers GET_FULL_FILE with the asset's raw bytes. For a live
// photo the primary component is the still image; the motion component
// is requested separately via the "<id>/motion" convention.
func (h *Host) serveFile(ctx context.Context, conn *transport.Conn, id string) {
	data, err := h.store.ReadFile(ctx, id)
	if err != nil {
		h.log.Warn().Err(err).Str("asset", id).Msg("file request dropped")
		return
	}
	h.writeBack(ctx, conn, wire.CmdFileData, id, data)
}

// writeBack writes a worker's response frame unless the session it was
// fetched for is already gone; a completed fetch for a dead connection
// is dropped rather than written to it.
func (h *Host) writeBack(ctx context.Context, conn *transport.Conn, cmd wire.Command, info string, payload []byte) {
	if ctx.Err() != nil {
		return
	}
	if err := conn.WriteFrame(cmd, info, payload); err != nil {
		h.log.Warn().Err(err).Stringer("command", cmd).Msg("response write failed")
	}
}

// teardownSession resets protocol state after the connection is already
// gone (read loop ended or supersede).
func (h *Host) teardownSession() {
	h.dropConn()
	h.machine.TearDown()
}

// teardownConn ends the session from our side: in-flight writes finish,
// then the connection closes. The machine has already moved on.
func (h *Host) teardownConn() {
	h.dropConn()
}

func (h *Host) dropConn() {
	if h.sessCancel != nil {
		h.sessCancel()
		h.sessCancel = nil
		h.sessCtx = nil
	}
	if h.conn != nil {
		h.conn.CloseGraceful()
		h.conn = nil
	}
}

func (h *Host) failSession(msg string) {
	h.log.Error().Str("reason", msg).Msg("session failed")
	h.dropConn()
	h.machine.Fail(msg)
}

func (h *Host) publish() {
	snap := h.machine.Snapshot()
	h.statusMu.Lock()
	h.status = snap
	h.statusMu.Unlock()
	if h.notify != nil {
		h.notify(snap)
	}
}
