package mesh

import (
	"errors"

	"github.com/kmay89/securacv-canary/internal/cvcrypto"
	"github.com/kmay89/securacv-canary/internal/healthlog"
	"github.com/kmay89/securacv-canary/internal/radio"
)

var (
	ErrPayloadTooLarge = errors.New("mesh: payload too large")
	ErrNoOpera         = errors.New("mesh: no opera configured")
	ErrInOpera         = errors.New("mesh: already in an opera")
	ErrNotActive       = errors.New("mesh: not active")
	ErrPairing         = errors.New("mesh: pairing already in progress")
	ErrNotConfirming   = errors.New("mesh: no pairing code to confirm")
	ErrPeerNotFound    = errors.New("mesh: peer not found")
	ErrNoTransport     = errors.New("mesh: no radio")
)

// State is the mesh state.
type State uint8

const (
	Disabled State = iota
	Initializing
	NoOpera
	Connecting
	Active
	PairingInit
	PairingJoin
	PairingConfirm
	Failed
)

var stateNames = [...]string{"DISABLED", "INITIALIZING", "NO_OPERA", "CONNECTING", "ACTIVE",
	"PAIRING_INIT", "PAIRING_JOIN", "PAIRING_CONFIRM", "ERROR"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// PeerState is the state of one opera member as seen from this device.
type PeerState uint8

const (
	PeerUnknown PeerState = iota
	PeerDiscovered
	PeerAuthenticating
	PeerConnected
	PeerStale
	PeerOffline
	PeerAlert
	PeerRemoved
)

var peerStateNames = [...]string{"UNKNOWN", "DISCOVERED", "AUTH", "CONNECTED", "STALE", "OFFLINE", "ALERT", "REMOVED"}

func (s PeerState) String() string {
	if int(s) < len(peerStateNames) {
		return peerStateNames[s]
	}
	return "UNKNOWN"
}

// AlertType classifies a mesh alert.
type AlertType uint8

const (
	AlertTamper AlertType = iota
	AlertMotion
	AlertBreach
	AlertPowerLoss
	AlertLowVoltage
	AlertBatteryCritical
	AlertOfflineShutdown
	AlertOfflineTamper
	AlertOfflinePower
	AlertOfflineReboot
)

var alertNames = [...]string{"TAMPER", "MOTION", "BREACH", "POWER_LOSS", "LOW_VOLTAGE",
	"BATTERY_CRITICAL", "OFFLINE_SHUTDOWN", "OFFLINE_TAMPER", "OFFLINE_POWER", "OFFLINE_REBOOT"}

func (a AlertType) String() string {
	if int(a) < len(alertNames) {
		return alertNames[a]
	}
	return "UNKNOWN"
}

// PairingRole is this device's part in a pairing session.
type PairingRole uint8

const (
	RoleNone PairingRole = iota
	RoleInitiator
	RoleJoiner
)

var roleNames = [...]string{"none", "initiator", "joiner"}

func (r PairingRole) String() string {
	if int(r) < len(roleNames) {
		return roleNames[r]
	}
	return "unknown"
}

// Peer is an opera member.
type Peer struct {
	Pubkey      cvcrypto.PublicKey
	Fingerprint cvcrypto.Fingerprint
	MAC         radio.MAC
	Name        string
	State       PeerState
	TxCounter   uint64
	RxCounter   uint64
	LastSeenMs  uint32
	LastTxMs    uint32
	RSSI        int8
	AlertCount  uint8

	// SessionEstablished is set once the challenge-response handshake has
	// completed this boot.
	SessionEstablished bool

	session     cvcrypto.SessionKey
	authNonce   [authNonceSize]byte
	authPending bool
	authSentMs  uint32
}

// OperaConfig is the persisted opera membership.
type OperaConfig struct {
	Enabled    bool
	Configured bool
	ID         cvcrypto.OperaID
	Name       string
	PeerCount  int
}

// Alert is a received mesh alert.
type Alert struct {
	TimestampMs uint32
	Type        AlertType
	Severity    healthlog.Level
	Sender      cvcrypto.Fingerprint
	SenderName  string
	WitnessSeq  uint32
	Detail      string
}

// Counters are cumulative since boot.
type Counters struct {
	MessagesTx     uint32
	MessagesRx     uint32
	SendErrors     uint32
	AuthFailures   uint32
	Replays        uint32
	VerifyAttempts uint32
	AlertsSent     uint32
	AlertsRx       uint32
}

// Status is a snapshot for the operator surface.
type Status struct {
	State           State
	Enabled         bool
	OperaID         string
	OperaName       string
	PeersTotal      int
	PeersOnline     int
	PeersStale      int
	PeersOffline    int
	AlertsStored    int
	UptimeMs        uint32
	LastHeartbeatMs uint32
	Counters        Counters
}

// Discovered is a device heard broadcasting PAIR_DISCOVER.
type Discovered struct {
	Pubkey      cvcrypto.PublicKey
	Fingerprint cvcrypto.Fingerprint
	MAC         radio.MAC
	Name        string
	Role        PairingRole
	RSSI        int8
	SeenMs      uint32
}

// PairingStatus describes the pairing session in progress.
type PairingStatus struct {
	Active        bool
	Role          PairingRole
	State         State
	Code          uint32
	CodeDisplayed bool
	CodeConfirmed bool
	PeerName      string
	StartedMs     uint32
}
