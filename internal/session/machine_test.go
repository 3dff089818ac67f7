package session

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mediapair/internal/asset"
	"mediapair/internal/pin"
	"mediapair/internal/wire"
)

func newTestMachine(t *testing.T) (*Machine, *pin.Gate) {
	t.Helper()
	gate := pin.New(time.Minute, nil)
	t.Cleanup(gate.Cancel)
	m := NewMachine(gate, zerolog.Nop())
	m.Start()
	return m, gate
}

// challenge drives the machine through CONNECT and returns the issued code.
func challenge(t *testing.T, m *Machine, peerName string) string {
	t.Helper()
	tr := m.HandleFrame(wire.Frame{Command: wire.CmdConnect, Info: peerName})
	if tr.Next != StateAwaitingPIN {
		t.Fatalf("after CONNECT: state %s", tr.Next)
	}
	if len(tr.Send) != 1 || tr.Send[0].Command != wire.CmdPinChallenge {
		t.Fatalf("after CONNECT: send %+v", tr.Send)
	}
	code := tr.Send[0].Info
	if len(code) != pin.Digits {
		t.Fatalf("challenge code %q is not %d digits", code, pin.Digits)
	}
	return code
}

func wrongFor(code string) string {
	if code == "0000" {
		return "1111"
	}
	return "0000"
}

func TestHappyPathStateSequence(t *testing.T) {
	m, _ := newTestMachine(t)
	if m.State() != StateSearching {
		t.Fatalf("initial state %s", m.State())
	}

	code := challenge(t, m, "Workstation-7")
	tr := m.HandleFrame(wire.Frame{Command: wire.CmdVerifyPin, Info: code})
	if tr.Next != StateConnected {
		t.Fatalf("after correct pin: state %s", tr.Next)
	}
	if len(tr.Send) != 1 || tr.Send[0].Command != wire.CmdPinOK {
		t.Fatalf("after correct pin: send %+v", tr.Send)
	}
	if len(tr.Effects) != 1 || tr.Effects[0].Kind != EffectBeginSync {
		t.Fatalf("after correct pin: effects %+v", tr.Effects)
	}

	m.BeginSync()
	if m.State() != StateSyncing {
		t.Fatalf("after begin sync: state %s", m.State())
	}
	m.CompleteSync(asset.List{TotalCount: 3, PhotosCount: 2, VideosCount: 1})
	if m.State() != StateReady {
		t.Fatalf("after sync: state %s", m.State())
	}

	snap := m.Snapshot()
	if snap.PeerName != "Workstation-7" {
		t.Fatalf("peer name %q", snap.PeerName)
	}
	if snap.TotalCount != 3 || snap.PhotosCount != 2 || snap.VideosCount != 1 {
		t.Fatalf("counts %+v", snap)
	}
	if snap.SyncProgress != 1 {
		t.Fatalf("sync progress %v", snap.SyncProgress)
	}
}

func TestConnectWithEmptyNameGetsPlaceholder(t *testing.T) {
	m, _ := newTestMachine(t)
	challenge(t, m, "")
	if got := m.Snapshot().PeerName; got != placeholderPeerName {
		t.Fatalf("peer name %q", got)
	}
}

func TestConnectIgnoredOutsideSearching(t *testing.T) {
	m, _ := newTestMachine(t)
	challenge(t, m, "peer")

	tr := m.HandleFrame(wire.Frame{Command: wire.CmdConnect, Info: "intruder"})
	if tr.Next != StateAwaitingPIN || len(tr.Send) != 0 || len(tr.Effects) != 0 {
		t.Fatalf("second CONNECT not ignored: %+v", tr)
	}
	if m.Snapshot().PeerName != "peer" {
		t.Fatal("peer name overwritten by ignored CONNECT")
	}
}

func TestWrongPinKeepsSameCodeUntilLockout(t *testing.T) {
	m, _ := newTestMachine(t)
	code := challenge(t, m, "peer")
	wrong := wrongFor(code)

	for i, wantNote := range []string{"2 attempts", "1 attempts"} {
		tr := m.HandleFrame(wire.Frame{Command: wire.CmdVerifyPin, Info: wrong})
		if tr.Next != StateAwaitingPIN {
			t.Fatalf("attempt %d: state %s", i+1, tr.Next)
		}
		if len(tr.Send) != 2 ||
			tr.Send[0].Command != wire.CmdPinFail ||
			tr.Send[1].Command != wire.CmdNotification {
			t.Fatalf("attempt %d: send %+v", i+1, tr.Send)
		}
		if !strings.Contains(tr.Send[1].Info, wantNote) {
			t.Fatalf("attempt %d: notification %q", i+1, tr.Send[1].Info)
		}
		if len(tr.Effects) != 0 {
			t.Fatalf("attempt %d: unexpected effects %+v", i+1, tr.Effects)
		}
	}

	// Third wrong attempt locks out and tears the pairing down.
	tr := m.HandleFrame(wire.Frame{Command: wire.CmdVerifyPin, Info: wrong})
	if tr.Next != StateSearching {
		t.Fatalf("after lockout: state %s", tr.Next)
	}
	if len(tr.Send) != 2 || tr.Send[0].Command != wire.CmdPinFail {
		t.Fatalf("after lockout: send %+v", tr.Send)
	}
	if len(tr.Effects) != 1 || tr.Effects[0].Kind != EffectTearDown {
		t.Fatalf("after lockout: effects %+v", tr.Effects)
	}
}

func TestCorrectPinAfterWrongAttempt(t *testing.T) {
	m, _ := newTestMachine(t)
	code := challenge(t, m, "peer")

	m.HandleFrame(wire.Frame{Command: wire.CmdVerifyPin, Info: wrongFor(code)})
	tr := m.HandleFrame(wire.Frame{Command: wire.CmdVerifyPin, Info: code})
	if tr.Next != StateConnected {
		t.Fatalf("same code after one wrong attempt: state %s", tr.Next)
	}
}

func TestExpiredPinRejectsPairing(t *testing.T) {
	m, gate := newTestMachine(t)
	code := challenge(t, m, "peer")
	gate.Cancel() // simulate the countdown running out

	tr := m.HandleFrame(wire.Frame{Command: wire.CmdVerifyPin, Info: code})
	if tr.Next != StateSearching {
		t.Fatalf("after expired pin: state %s", tr.Next)
	}
	if len(tr.Send) != 2 || tr.Send[0].Command != wire.CmdPinFail || tr.Send[0].Info != "expired" {
		t.Fatalf("after expired pin: send %+v", tr.Send)
	}
	if len(tr.Effects) != 1 || tr.Effects[0].Kind != EffectTearDown {
		t.Fatalf("after expired pin: effects %+v", tr.Effects)
	}
}

func TestPinExpiryRechallenges(t *testing.T) {
	m, _ := newTestMachine(t)
	challenge(t, m, "peer")

	tr := m.HandlePinExpiry()
	if tr.Next != StateAwaitingPIN {
		t.Fatalf("after expiry: state %s", tr.Next)
	}
	if len(tr.Send) != 2 ||
		tr.Send[0].Command != wire.CmdNotification ||
		tr.Send[1].Command != wire.CmdPinChallenge {
		t.Fatalf("after expiry: send %+v", tr.Send)
	}
	if len(tr.Send[1].Info) != pin.Digits {
		t.Fatalf("re-challenge code %q", tr.Send[1].Info)
	}
}

func TestPinExpiryIgnoredOutsidePairing(t *testing.T) {
	m, _ := newTestMachine(t)
	tr := m.HandlePinExpiry()
	if tr.Next != StateSearching || len(tr.Send) != 0 {
		t.Fatalf("stale expiry not ignored: %+v", tr)
	}
}

func TestTransferCommandsIgnoredBeforePairing(t *testing.T) {
	m, _ := newTestMachine(t)
	challenge(t, m, "peer")

	for _, cmd := range []wire.Command{
		wire.CmdListAssets, wire.CmdGetThumbnail, wire.CmdGetFullFile,
	} {
		tr := m.HandleFrame(wire.Frame{Command: cmd, Info: "id-1"})
		if tr.Next != StateAwaitingPIN || len(tr.Send) != 0 || len(tr.Effects) != 0 {
			t.Fatalf("%s not ignored while awaiting pin: %+v", cmd, tr)
		}
	}
}

func TestTransferEffects(t *testing.T) {
	m, _ := newTestMachine(t)
	code := challenge(t, m, "peer")
	m.HandleFrame(wire.Frame{Command: wire.CmdVerifyPin, Info: code})

	tr := m.HandleFrame(wire.Frame{Command: wire.CmdListAssets})
	if len(tr.Effects) != 1 || tr.Effects[0].Kind != EffectFetchAssetList {
		t.Fatalf("LIST_ASSETS effects %+v", tr.Effects)
	}

	tr = m.HandleFrame(wire.Frame{Command: wire.CmdGetThumbnail, Info: "id-9"})
	if len(tr.Effects) != 1 || tr.Effects[0].Kind != EffectFetchThumbnail || tr.Effects[0].AssetID != "id-9" {
		t.Fatalf("GET_THUMBNAIL effects %+v", tr.Effects)
	}

	tr = m.HandleFrame(wire.Frame{Command: wire.CmdGetFullFile, Info: "id-9"})
	if len(tr.Effects) != 1 || tr.Effects[0].Kind != EffectFetchFile || tr.Effects[0].AssetID != "id-9" {
		t.Fatalf("GET_FULL_FILE effects %+v", tr.Effects)
	}
}

func TestDisconnectReturnsToSearching(t *testing.T) {
	m, _ := newTestMachine(t)
	code := challenge(t, m, "peer")
	m.HandleFrame(wire.Frame{Command: wire.CmdVerifyPin, Info: code})
	m.BeginSync()
	m.CompleteSync(asset.List{TotalCount: 1})

	tr := m.HandleFrame(wire.Frame{Command: wire.CmdDisconnect})
	if tr.Next != StateSearching {
		t.Fatalf("after DISCONNECT: state %s", tr.Next)
	}
	if len(tr.Effects) != 1 || tr.Effects[0].Kind != EffectTearDown {
		t.Fatalf("after DISCONNECT: effects %+v", tr.Effects)
	}
	snap := m.Snapshot()
	if snap.PeerName != "" || snap.TotalCount != 0 || snap.SyncProgress != 0 {
		t.Fatalf("session state not reset: %+v", snap)
	}
}

func TestFailAndRetry(t *testing.T) {
	m, _ := newTestMachine(t)
	m.Fail("connection reset")
	if m.State() != StateError {
		t.Fatalf("state %s", m.State())
	}
	if m.Snapshot().ErrorMessage != "connection reset" {
		t.Fatalf("error message %q", m.Snapshot().ErrorMessage)
	}

	m.Retry()
	if m.State() != StateSearching {
		t.Fatalf("after retry: state %s", m.State())
	}
	if m.Snapshot().ErrorMessage != "" {
		t.Fatal("error message survived retry")
	}
}

func TestStopReturnsToIdle(t *testing.T) {
	m, _ := newTestMachine(t)
	challenge(t, m, "peer")
	m.Stop()
	if m.State() != StateIdle {
		t.Fatalf("state %s", m.State())
	}
}
