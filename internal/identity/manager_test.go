package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/halcyon-im/halcyon/internal/common"
	"github.com/halcyon-im/halcyon/internal/contacts"
	"github.com/halcyon-im/halcyon/internal/cryptox"
	"github.com/halcyon-im/halcyon/internal/logging"
	"github.com/halcyon-im/halcyon/internal/models"
)

type fakeDirectory struct {
	entries   map[string]cryptox.PublicKeys
	published []string
	getErr    error
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{entries: make(map[string]cryptox.PublicKeys)}
}

func (d *fakeDirectory) GetPublicKeys(ctx context.Context, handle string) (cryptox.PublicKeys, error) {
	if d.getErr != nil {
		return cryptox.PublicKeys{}, d.getErr
	}
	pk, ok := d.entries[handle]
	if !ok {
		return cryptox.PublicKeys{}, common.ErrKeyNotFound
	}
	return pk, nil
}

func (d *fakeDirectory) PublishPublicKeys(ctx context.Context, handle string, keys cryptox.PublicKeys) error {
	d.entries[handle] = keys
	d.published = append(d.published, handle)
	return nil
}

type fakeSession struct {
	user  string
	email string
}

func (s *fakeSession) CurrentUser() string    { return s.user }
func (s *fakeSession) Email() string          { return s.email }
func (s *fakeSession) Token() (string, error) { return "tok", nil }

type fakeSender struct {
	sent []models.Envelope
	err  error
}

func (s *fakeSender) Send(ctx context.Context, env models.Envelope) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, env)
	return nil
}

func newTestManager(t *testing.T) (*Manager, *fakeDirectory) {
	t.Helper()
	dir := newFakeDirectory()
	ks := NewKeystore(filepath.Join(t.TempDir(), "keys.json"))
	m := NewManager(ks, dir, &fakeSession{user: "contact:me", email: "me@example.com"},
		contacts.NewInMemory(), logging.NewNopLogger())
	return m, dir
}

func TestInitialize_FirstTimeSetup(t *testing.T) {
	m, dir := newTestManager(t)

	state, err := m.Initialize(context.Background(), "pass")
	require.NoError(t, err)
	require.Equal(t, StateReady, state)

	// published under the email-derived handle
	require.Contains(t, dir.entries, "lookup:email:me@example.com")

	keys, err := m.Keys()
	require.NoError(t, err)
	require.True(t, keys.Matches(dir.entries["lookup:email:me@example.com"]))
}

func TestInitialize_LocalOnlyHalts(t *testing.T) {
	m, dir := newTestManager(t)
	ctx := context.Background()

	// seed local keys without a directory entry
	kp, err := cryptox.NewKeyPair()
	require.NoError(t, err)
	require.NoError(t, m.keystore.Save("pass", kp))

	state, err := m.Initialize(ctx, "pass")
	require.NoError(t, err)
	require.Equal(t, StateRequiresLinking, state)
	// no auto-republish
	require.Empty(t, dir.published)

	_, err = m.Keys()
	require.ErrorIs(t, err, common.ErrIdentityNotReady)
}

func TestInitialize_RemoteOnlyHalts(t *testing.T) {
	m, dir := newTestManager(t)

	other, err := cryptox.NewKeyPair()
	require.NoError(t, err)
	dir.entries["lookup:email:me@example.com"] = other.Public()

	state, err := m.Initialize(context.Background(), "pass")
	require.NoError(t, err)
	require.Equal(t, StateRequiresLinking, state)
}

func TestInitialize_MismatchHalts(t *testing.T) {
	m, dir := newTestManager(t)

	local, err := cryptox.NewKeyPair()
	require.NoError(t, err)
	require.NoError(t, m.keystore.Save("pass", local))

	other, err := cryptox.NewKeyPair()
	require.NoError(t, err)
	dir.entries["lookup:email:me@example.com"] = other.Public()

	state, err := m.Initialize(context.Background(), "pass")
	require.ErrorIs(t, err, common.ErrIdentityMismatch)
	require.Equal(t, StateRequiresLinking, state)
}

func TestInitialize_MatchIsReady(t *testing.T) {
	m, dir := newTestManager(t)

	local, err := cryptox.NewKeyPair()
	require.NoError(t, err)
	require.NoError(t, m.keystore.Save("pass", local))
	dir.entries["lookup:email:me@example.com"] = local.Public()

	state, err := m.Initialize(context.Background(), "pass")
	require.NoError(t, err)
	require.Equal(t, StateReady, state)
}

func TestInitialize_WrongPassphraseHalts(t *testing.T) {
	m, _ := newTestManager(t)

	local, err := cryptox.NewKeyPair()
	require.NoError(t, err)
	require.NoError(t, m.keystore.Save("right", local))

	state, err := m.Initialize(context.Background(), "wrong")
	require.ErrorIs(t, err, common.ErrDecryptionFailure)
	require.Equal(t, StateRequiresLinking, state)
}

func TestReset_RotatesAndRepublishes(t *testing.T) {
	m, dir := newTestManager(t)
	ctx := context.Background()

	_, err := m.Initialize(ctx, "pass")
	require.NoError(t, err)
	old, err := m.Keys()
	require.NoError(t, err)
	oldPub := old.Public()

	require.NoError(t, m.Reset(ctx, "pass", "me@example.com"))

	// fresh pair, republished under the email-derived handle
	state, err := m.Initialize(ctx, "pass")
	require.NoError(t, err)
	require.Equal(t, StateReady, state)

	fresh, err := m.Keys()
	require.NoError(t, err)
	require.False(t, fresh.Matches(oldPub))
	require.Contains(t, dir.entries, "lookup:email:me@example.com")
	require.True(t, fresh.Matches(dir.entries["lookup:email:me@example.com"]))
}

func TestSubscribe_SeesStateChanges(t *testing.T) {
	m, _ := newTestManager(t)

	var seen []OnboardingState
	m.Subscribe(func(s OnboardingState) { seen = append(seen, s) })

	_, err := m.Initialize(context.Background(), "pass")
	require.NoError(t, err)
	require.Equal(t, []OnboardingState{StateChecking, StateGenerating, StateReady}, seen)
}

func TestReceiverHostedLink_RoundTrip(t *testing.T) {
	// device A holds keys
	holder, _ := newTestManager(t)
	ctx := context.Background()
	_, err := holder.Initialize(ctx, "pass")
	require.NoError(t, err)
	holderKeys, err := holder.Keys()
	require.NoError(t, err)

	// device B opens a session and shows its payload
	session, err := NewReceiverSession()
	require.NoError(t, err)
	payload, err := session.Payload()
	require.NoError(t, err)

	// A scans the payload and ships its keys
	sender := &fakeSender{}
	require.NoError(t, holder.SendKeysToSession(ctx, payload, sender))
	require.Len(t, sender.sent, 1)

	// B decrypts the envelope with the session pair
	plaintext, err := session.Open(sender.sent[0])
	require.NoError(t, err)

	var tp models.TransportPayload
	require.NoError(t, json.Unmarshal(plaintext, &tp))
	require.Equal(t, models.TypeDeviceSync, tp.TypeID)

	// B installs the recovered pair
	receiver, _ := newTestManager(t)
	require.NoError(t, receiver.InstallLinked(ctx, tp.Data, "newpass"))
	require.Equal(t, StateReady, receiver.State())

	got, err := receiver.Keys()
	require.NoError(t, err)
	require.True(t, got.Matches(holderKeys.Public()))
}

func TestSenderHostedLink_RoundTrip(t *testing.T) {
	holder, _ := newTestManager(t)
	ctx := context.Background()
	_, err := holder.Initialize(ctx, "pass")
	require.NoError(t, err)

	sender := &fakeSender{}
	session, err := holder.HostSenderDrop(ctx, sender)
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)

	payload, err := session.Payload()
	require.NoError(t, err)

	// other device reconstructs the session from the scanned payload
	redeemed, err := ParseSenderPayload(payload)
	require.NoError(t, err)
	require.Equal(t, session.ID, redeemed.ID)

	plaintext, err := redeemed.Open(sender.sent[0])
	require.NoError(t, err)

	var tp models.TransportPayload
	require.NoError(t, json.Unmarshal(plaintext, &tp))
	require.Equal(t, models.TypeDeviceSync, tp.TypeID)
}

func TestLinkSession_OpenWrongKeyFails(t *testing.T) {
	holder, _ := newTestManager(t)
	ctx := context.Background()
	_, err := holder.Initialize(ctx, "pass")
	require.NoError(t, err)

	good, err := NewReceiverSession()
	require.NoError(t, err)
	payload, err := good.Payload()
	require.NoError(t, err)

	sender := &fakeSender{}
	require.NoError(t, holder.SendKeysToSession(ctx, payload, sender))

	other, err := NewReceiverSession()
	require.NoError(t, err)
	_, err = other.Open(sender.sent[0])
	require.ErrorIs(t, err, common.ErrDecryptionFailure)
}

func TestLinkSession_QRText(t *testing.T) {
	session, err := NewReceiverSession()
	require.NoError(t, err)
	art, err := session.QRText()
	require.NoError(t, err)
	require.NotEmpty(t, art)
}

func TestLinkSession_QRPNG(t *testing.T) {
	session, err := NewReceiverSession()
	require.NoError(t, err)
	png, err := session.QRPNG(256)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))
}
