// Package session implements the host-side protocol engine: the pairing
// and transfer state machine, and the runtime that owns the listener,
// the PIN gate, the thumbnail cache and the asset store workers.
package session

import (
	"fmt"

	"github.com/rs/zerolog"

	"mediapair/internal/asset"
	"mediapair/internal/pin"
	"mediapair/internal/wire"
)

// State is the session lifecycle position.
type State int

const (
	StateIdle State = iota
	StateSearching
	StateAwaitingPIN
	StateVerifying
	StateConnected
	StateSyncing
	StateReady
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSearching:
		return "searching"
	case StateAwaitingPIN:
		return "awaiting_pin"
	case StateVerifying:
		return "verifying"
	case StateConnected:
		return "connected"
	case StateSyncing:
		return "syncing"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// placeholderPeerName stands in when CONNECT carries an empty name.
const placeholderPeerName = "Unknown device"

// Outgoing is one frame the runtime must write, in order.
type Outgoing struct {
	Command wire.Command
	Info    string
	Payload []byte
}

// EffectKind names a side effect the runtime must perform. Effects keep
// the machine free of sockets, workers and clocks: it only decides.
type EffectKind int

const (
	// EffectBeginSync starts the post-pairing metadata sync worker.
	EffectBeginSync EffectKind = iota
	// EffectFetchAssetList builds and sends the full ASSETS_LIST response.
	EffectFetchAssetList
	// EffectFetchThumbnail serves THUMBNAIL_DATA for AssetID (cache-first).
	EffectFetchThumbnail
	// EffectFetchFile serves FILE_DATA for AssetID.
	EffectFetchFile
	// EffectTearDown ends the peer session: close the connection, release
	// the gate, return to searching.
	EffectTearDown
)

// Effect is one side effect request.
type Effect struct {
	Kind    EffectKind
	AssetID string
}

// Transition is the outcome of feeding one input to the machine: the
// state it landed in, frames to send (in order, before any effect
// output), and effects for the runtime.
type Transition struct {
	Next    State
	Send    []Outgoing
	Effects []Effect
}

// Status is a read-only snapshot for the presentation collaborator.
type Status struct {
	State          State
	PeerName       string
	TotalCount     int
	PhotosCount    int
	VideosCount    int
	TotalSizeBytes int64
	SyncProgress   float64
	ErrorMessage   string
}

// Machine is the sole owner of protocol-level decisions. It is not
// goroutine-safe on its own; the runtime serializes every call through
// its event loop.
type Machine struct {
	state    State
	gate     *pin.Gate
	log      zerolog.Logger
	peerName string

	counts       asset.List
	syncProgress float64
	errMsg       string
}

// NewMachine creates a machine in Idle with the given PIN gate.
func NewMachine(gate *pin.Gate, log zerolog.Logger) *Machine {
	return &Machine{state: StateIdle, gate: gate, log: log}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Snapshot returns the current observable status.
func (m *Machine) Snapshot() Status {
	return Status{
		State:          m.state,
		PeerName:       m.peerName,
		TotalCount:     m.counts.TotalCount,
		PhotosCount:    m.counts.PhotosCount,
		VideosCount:    m.counts.VideosCount,
		TotalSizeBytes: m.counts.TotalSizeBytes,
		SyncProgress:   m.syncProgress,
		ErrorMessage:   m.errMsg,
	}
}

// Start moves Idle to Searching.
func (m *Machine) Start() {
	if m.state == StateIdle {
		m.state = StateSearching
	}
}

// Stop tears everything down to Idle.
func (m *Machine) Stop() {
	m.gate.Cancel()
	m.resetSession()
	m.state = StateIdle
}

// Retry is the external retry affordance: it leaves Error for Searching.
func (m *Machine) Retry() {
	if m.state == StateError {
		m.errMsg = ""
		m.state = StateSearching
	}
}

// Fail records an unrecoverable session fault.
func (m *Machine) Fail(msg string) {
	m.gate.Cancel()
	m.resetSession()
	m.errMsg = msg
	m.state = StateError
}

// HandleFrame feeds one incoming frame to the machine. Commands that are
// not valid for the current state are logged and ignored, never fatal.
func (m *Machine) HandleFrame(f wire.Frame) Transition {
	switch f.Command {
	case wire.CmdConnect:
		return m.onConnect(f.Info)
	case wire.CmdVerifyPin:
		return m.onVerifyPin(f.Info)
	case wire.CmdListAssets:
		return m.onListAssets()
	case wire.CmdGetThumbnail:
		return m.onGetThumbnail(f.Info)
	case wire.CmdGetFullFile:
		return m.onGetFullFile(f.Info)
	case wire.CmdDisconnect:
		return m.onDisconnect()
	default:
		m.ignore(f.Command)
		return Transition{Next: m.state}
	}
}

// HandlePinExpiry reacts to the gate's natural-expiry event: a fresh code
// is generated and the peer is re-challenged, so pairing does not have to
// restart from CONNECT. A stale expiry outside AwaitingPIN is a no-op.
func (m *Machine) HandlePinExpiry() Transition {
	if m.state != StateAwaitingPIN {
		return Transition{Next: m.state}
	}
	code := m.gate.Generate()
	m.log.Info().Msg("pin expired, re-challenging with a fresh code")
	return Transition{
		Next: m.state,
		Send: []Outgoing{
			{Command: wire.CmdNotification, Info: "PIN expired, new code issued"},
			{Command: wire.CmdPinChallenge, Info: code},
		},
	}
}

// BeginSync auto-advances Connected into Syncing.
func (m *Machine) BeginSync() {
	if m.state == StateConnected {
		m.state = StateSyncing
		m.syncProgress = 0
	}
}

// SetSyncProgress updates the observable progress while Syncing.
func (m *Machine) SetSyncProgress(p float64) {
	if m.state == StateSyncing {
		m.syncProgress = p
	}
}

// CompleteSync records the synced aggregates and reaches Ready.
func (m *Machine) CompleteSync(list asset.List) {
	if m.state == StateSyncing {
		m.counts = list
		m.syncProgress = 1
		m.state = StateReady
	}
}

// TearDown releases the gate and returns to Searching. Used for both
// peer-initiated disconnects and connection loss.
func (m *Machine) TearDown() {
	m.gate.Cancel()
	m.resetSession()
	if m.state != StateIdle {
		m.state = StateSearching
	}
}

func (m *Machine) resetSession() {
	m.peerName = ""
	m.counts = asset.List{}
	m.syncProgress = 0
	m.errMsg = ""
}

func (m *Machine) onConnect(peerName string) Transition {
	if m.state != StateSearching {
		m.ignore(wire.CmdConnect)
		return Transition{Next: m.state}
	}
	if peerName == "" {
		peerName = placeholderPeerName
	}
	m.peerName = peerName
	code := m.gate.Generate()
	m.state = StateAwaitingPIN
	m.log.Info().Str("peer", peerName).Msg("pairing request, challenging")
	return Transition{
		Next: m.state,
		Send: []Outgoing{{Command: wire.CmdPinChallenge, Info: code}},
	}
}

func (m *Machine) onVerifyPin(candidate string) Transition {
	if m.state != StateAwaitingPIN {
		m.ignore(wire.CmdVerifyPin)
		return Transition{Next: m.state}
	}
	m.state = StateVerifying
	verdict := m.gate.Verify(candidate)

	switch verdict.Result {
	case pin.Success:
		m.state = StateConnected
		m.log.Info().Str("peer", m.peerName).Msg("pin verified")
		return Transition{
			Next:    m.state,
			Send:    []Outgoing{{Command: wire.CmdPinOK}},
			Effects: []Effect{{Kind: EffectBeginSync}},
		}

	case pin.WrongCode:
		// Same code stays active; the peer retries without a new CONNECT.
		m.state = StateAwaitingPIN
		note := fmt.Sprintf("wrong PIN, %d attempts remaining", verdict.AttemptsRemaining)
		m.log.Warn().Int("remaining", verdict.AttemptsRemaining).Msg("wrong pin")
		return Transition{
			Next: m.state,
			Send: []Outgoing{
				{Command: wire.CmdPinFail, Info: "wrong"},
				{Command: wire.CmdNotification, Info: note},
			},
		}

	case pin.Expired:
		m.log.Warn().Msg("pin expired during verification")
		return m.rejectPairing("expired", "PIN expired, reconnect to pair")

	default: // pin.LockedOut
		m.log.Warn().Msg("pin locked out")
		return m.rejectPairing("locked", "too many attempts, reconnect to pair")
	}
}

// rejectPairing ends the pairing attempt: the peer must redo CONNECT.
func (m *Machine) rejectPairing(reason, note string) Transition {
	m.resetSession()
	m.state = StateSearching
	return Transition{
		Next: m.state,
		Send: []Outgoing{
			{Command: wire.CmdPinFail, Info: reason},
			{Command: wire.CmdNotification, Info: note},
		},
		Effects: []Effect{{Kind: EffectTearDown}},
	}
}

func (m *Machine) onListAssets() Transition {
	if !m.pastPairing() {
		m.ignore(wire.CmdListAssets)
		return Transition{Next: m.state}
	}
	return Transition{
		Next:    m.state,
		Effects: []Effect{{Kind: EffectFetchAssetList}},
	}
}

func (m *Machine) onGetThumbnail(assetID string) Transition {
	if !m.pastPairing() || assetID == "" {
		m.ignore(wire.CmdGetThumbnail)
		return Transition{Next: m.state}
	}
	return Transition{
		Next:    m.state,
		Effects: []Effect{{Kind: EffectFetchThumbnail, AssetID: assetID}},
	}
}

func (m *Machine) onGetFullFile(assetID string) Transition {
	if !m.pastPairing() || assetID == "" {
		m.ignore(wire.CmdGetFullFile)
		return Transition{Next: m.state}
	}
	return Transition{
		Next:    m.state,
		Effects: []Effect{{Kind: EffectFetchFile, AssetID: assetID}},
	}
}

func (m *Machine) onDisconnect() Transition {
	m.log.Info().Str("peer", m.peerName).Msg("peer disconnected")
	m.TearDown()
	return Transition{
		Next:    m.state,
		Effects: []Effect{{Kind: EffectTearDown}},
	}
}

// pastPairing reports whether transfer commands are currently served.
func (m *Machine) pastPairing() bool {
	switch m.state {
	case StateConnected, StateSyncing, StateReady:
		return true
	default:
		return false
	}
}

func (m *Machine) ignore(cmd wire.Command) {
	m.log.Debug().
		Stringer("command", cmd).
		Stringer("state", m.state).
		Msg("command not valid for state, ignoring")
}
