package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/halcyon-im/halcyon/internal/common"
	"github.com/halcyon-im/halcyon/internal/cryptox"
	"github.com/halcyon-im/halcyon/internal/models"
	"github.com/halcyon-im/halcyon/internal/remote"
)

// LinkMode selects which device hosts the key transfer.
type LinkMode string

const (
	// ModeReceiverHosted: the device lacking keys opens the session and the
	// key holder seals its export to the session's ephemeral public key.
	ModeReceiverHosted LinkMode = "receiver_hosted"
	// ModeSenderHosted: the key holder parks an encrypted export in its own
	// queue (a dead drop) and hands the one-time key over by QR.
	ModeSenderHosted LinkMode = "sender_hosted"
)

// LinkSession is one in-flight device pairing attempt.
type LinkSession struct {
	ID   string
	Mode LinkMode

	// Pair is the ephemeral session key pair (receiver-hosted).
	Pair *cryptox.KeyPair
	// OneTimeKey is the symmetric session key (sender-hosted).
	OneTimeKey []byte
}

type receiverPayload struct {
	SessionID string `json:"sessionId"`
	PublicKey []byte `json:"publicKey"`
}

type senderPayload struct {
	SessionID  string `json:"sessionId"`
	OneTimeKey []byte `json:"oneTimeKey"`
}

// NewReceiverSession opens a receiver-hosted session on the device that
// lacks keys.
func NewReceiverSession() (*LinkSession, error) {
	pair, err := cryptox.NewKeyPair()
	if err != nil {
		return nil, err
	}
	return &LinkSession{
		ID:   uuid.NewString(),
		Mode: ModeReceiverHosted,
		Pair: pair,
	}, nil
}

// NewSenderSession opens a sender-hosted session on the device that holds
// keys.
func NewSenderSession() *LinkSession {
	return &LinkSession{
		ID:         uuid.NewString(),
		Mode:       ModeSenderHosted,
		OneTimeKey: cryptox.NewSymmetricKey(),
	}
}

// Payload returns the scannable JSON string for this session.
func (s *LinkSession) Payload() (string, error) {
	switch s.Mode {
	case ModeReceiverHosted:
		b, err := json.Marshal(receiverPayload{SessionID: s.ID, PublicKey: s.Pair.XPub[:]})
		return string(b), err
	case ModeSenderHosted:
		b, err := json.Marshal(senderPayload{SessionID: s.ID, OneTimeKey: s.OneTimeKey})
		return string(b), err
	default:
		return "", fmt.Errorf("unknown link mode %q", s.Mode)
	}
}

// QRText renders the session payload as terminal-printable QR art.
func (s *LinkSession) QRText() (string, error) {
	payload, err := s.Payload()
	if err != nil {
		return "", err
	}
	qr, err := qrcode.New(payload, qrcode.Medium)
	if err != nil {
		return "", err
	}
	return qr.ToSmallString(false), nil
}

// QRPNG renders the session payload as a PNG of the given size.
func (s *LinkSession) QRPNG(size int) ([]byte, error) {
	payload, err := s.Payload()
	if err != nil {
		return nil, err
	}
	return qrcode.Encode(payload, qrcode.Medium, size)
}

// Open decrypts an envelope with the session key material. Failures mean
// "not for this session" and surface as common.ErrDecryptionFailure.
func (s *LinkSession) Open(env models.Envelope) ([]byte, error) {
	switch s.Mode {
	case ModeReceiverHosted:
		return cryptox.OpenEnvelope(env, s.Pair)
	case ModeSenderHosted:
		return cryptox.OpenEnvelopeWithKey(env, s.OneTimeKey)
	default:
		return nil, common.ErrDecryptionFailure
	}
}

// ParseSenderPayload reconstructs a sender-hosted session from a scanned
// payload, on the device that will redeem the dead drop.
func ParseSenderPayload(payload string) (*LinkSession, error) {
	var p senderPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, fmt.Errorf("parsing link payload: %w", err)
	}
	if p.SessionID == "" || len(p.OneTimeKey) != cryptox.SymmetricKeyBytes {
		return nil, fmt.Errorf("malformed sender link payload")
	}
	return &LinkSession{ID: p.SessionID, Mode: ModeSenderHosted, OneTimeKey: p.OneTimeKey}, nil
}

// SendKeysToSession runs on the device that holds keys in receiver-hosted
// mode: it parses the scanned payload and ships the private pair to the
// session's ephemeral key, disguised as an ordinary message in the user's
// own queue.
func (m *Manager) SendKeysToSession(ctx context.Context, payload string, sender remote.SendClient) error {
	var p receiverPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return fmt.Errorf("parsing link payload: %w", err)
	}
	if p.SessionID == "" || len(p.PublicKey) != 32 {
		return fmt.Errorf("malformed receiver link payload")
	}

	keys, err := m.Keys()
	if err != nil {
		return err
	}
	plaintext, err := m.syncPayload(ctx, keys)
	if err != nil {
		return err
	}

	handle, err := m.Handle(ctx)
	if err != nil {
		return err
	}
	env, err := cryptox.SealEnvelope(plaintext, cryptox.PublicKeys{EncryptionKey: p.PublicKey}, keys, handle, false)
	if err != nil {
		return err
	}

	m.log.Info(ctx, "sending device-sync payload", "session", p.SessionID)
	return sender.Send(ctx, env)
}

// HostSenderDrop runs on the device that holds keys in sender-hosted mode:
// it opens a session, parks the encrypted export in the user's own queue and
// returns the session whose payload the other device scans.
func (m *Manager) HostSenderDrop(ctx context.Context, sender remote.SendClient) (*LinkSession, error) {
	keys, err := m.Keys()
	if err != nil {
		return nil, err
	}
	session := NewSenderSession()

	plaintext, err := m.syncPayload(ctx, keys)
	if err != nil {
		return nil, err
	}
	handle, err := m.Handle(ctx)
	if err != nil {
		return nil, err
	}

	env, err := cryptox.SealEnvelopeWithKey(plaintext, session.OneTimeKey, keys, handle)
	if err != nil {
		return nil, err
	}
	if err := sender.Send(ctx, env); err != nil {
		return nil, err
	}

	m.log.Info(ctx, "parked device-sync dead drop", "session", session.ID)
	return session, nil
}

// syncPayload wraps the exported private pair in a transport payload with
// the distinguished device-sync type identifier.
func (m *Manager) syncPayload(ctx context.Context, keys *cryptox.KeyPair) ([]byte, error) {
	exported, err := keys.Export()
	if err != nil {
		return nil, err
	}
	handle, err := m.Handle(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(models.TransportPayload{
		SenderHandle: handle,
		SentAt:       time.Now().UTC(),
		TypeID:       models.TypeDeviceSync,
		Data:         exported,
	})
}
