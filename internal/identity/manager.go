// Package identity owns the local user's key material: generation, at-rest
// storage, consistency with the published directory entry, destructive reset
// and device-to-device linking.
package identity

import (
	"context"
	"errors"
	"sync"

	"github.com/halcyon-im/halcyon/internal/common"
	"github.com/halcyon-im/halcyon/internal/contacts"
	"github.com/halcyon-im/halcyon/internal/cryptox"
	"github.com/halcyon-im/halcyon/internal/logging"
	"github.com/halcyon-im/halcyon/internal/remote"
)

// OnboardingState is the identity lifecycle state.
//
// Checking → {Generating → Ready} | RequiresLinking | Ready.
// RequiresLinking halts the pipelines until device pairing completes.
type OnboardingState string

const (
	StateChecking        OnboardingState = "checking"
	StateGenerating      OnboardingState = "generating"
	StateReady           OnboardingState = "ready"
	StateRequiresLinking OnboardingState = "requires_linking"
)

// Manager coordinates local keys with the published directory entry.
type Manager struct {
	keystore  *Keystore
	directory remote.DirectoryClient
	session   remote.SessionProvider
	resolver  contacts.Resolver
	log       logging.Logger

	mu    sync.RWMutex
	state OnboardingState
	keys  *cryptox.KeyPair
	subs  []func(OnboardingState)
}

func NewManager(keystore *Keystore, directory remote.DirectoryClient, session remote.SessionProvider, resolver contacts.Resolver, log logging.Logger) *Manager {
	return &Manager{
		keystore:  keystore,
		directory: directory,
		session:   session,
		resolver:  resolver,
		log:       log.With("component", "identity"),
		state:     StateChecking,
	}
}

// State returns the current onboarding state.
func (m *Manager) State() OnboardingState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Subscribe registers fn to run on every state change. Notifications are
// delivered synchronously under no lock, in subscription order.
func (m *Manager) Subscribe(fn func(OnboardingState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

func (m *Manager) setState(s OnboardingState) {
	m.mu.Lock()
	m.state = s
	subs := make([]func(OnboardingState), len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()
	for _, fn := range subs {
		fn(s)
	}
}

// Keys returns the active private pair, or ErrIdentityNotReady before the
// manager reaches Ready.
func (m *Manager) Keys() (*cryptox.KeyPair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateReady || m.keys == nil {
		return nil, common.ErrIdentityNotReady
	}
	return m.keys, nil
}

// Handle returns the routable handle the local user publishes under: the
// resolver's mapping when it has one, otherwise the email-derived handle.
func (m *Manager) Handle(ctx context.Context) (string, error) {
	handle, err := m.resolver.ResolveHandle(ctx, m.session.CurrentUser())
	if err != nil {
		return "", err
	}
	if handle != "" {
		return handle, nil
	}
	if s, ok := m.session.(interface{ Email() string }); ok && s.Email() != "" {
		return contacts.EmailHandle(s.Email()), nil
	}
	return m.session.CurrentUser(), nil
}

// Initialize loads local keys and the published entry and decides the
// onboarding outcome.
//
//   - neither exists: first-time setup, generate and publish, Ready
//   - local only: directory entry lost or never published, RequiresLinking
//     (no auto-republish; see reset for the explicit recovery)
//   - remote only: this device never held the live pair, RequiresLinking
//   - both: Ready on match, RequiresLinking on mismatch
//
// Any crypto or storage failure parks the state at RequiresLinking rather
// than regenerating keys, which would orphan existing conversations.
func (m *Manager) Initialize(ctx context.Context, passphrase string) (OnboardingState, error) {
	m.setState(StateChecking)

	local, err := m.keystore.Load(passphrase)
	hasLocal := err == nil
	if err != nil && !errors.Is(err, common.ErrorNotFound) {
		m.log.Error(ctx, "loading local keys failed", "error", err)
		m.setState(StateRequiresLinking)
		return StateRequiresLinking, err
	}

	handle, err := m.Handle(ctx)
	if err != nil {
		m.setState(StateRequiresLinking)
		return StateRequiresLinking, err
	}

	published, err := m.directory.GetPublicKeys(ctx, handle)
	hasRemote := err == nil
	if err != nil && !errors.Is(err, common.ErrKeyNotFound) {
		m.log.Error(ctx, "directory lookup failed", "handle", handle, "error", err)
		m.setState(StateRequiresLinking)
		return StateRequiresLinking, err
	}

	switch {
	case !hasLocal && !hasRemote:
		return m.firstTimeSetup(ctx, passphrase, handle)

	case hasLocal && !hasRemote:
		m.log.Warn(ctx, "local keys exist but directory entry is missing", "handle", handle)
		m.setState(StateRequiresLinking)
		return StateRequiresLinking, nil

	case !hasLocal && hasRemote:
		m.log.Warn(ctx, "directory entry exists but this device holds no keys", "handle", handle)
		m.setState(StateRequiresLinking)
		return StateRequiresLinking, nil

	default:
		if !local.Matches(published) {
			m.log.Warn(ctx, "local keys do not match directory entry", "handle", handle)
			m.setState(StateRequiresLinking)
			return StateRequiresLinking, common.ErrIdentityMismatch
		}
		m.install(local)
		return StateReady, nil
	}
}

func (m *Manager) firstTimeSetup(ctx context.Context, passphrase, handle string) (OnboardingState, error) {
	m.setState(StateGenerating)

	keys, err := cryptox.NewKeyPair()
	if err != nil {
		m.log.Error(ctx, "key generation failed", "error", err)
		m.setState(StateRequiresLinking)
		return StateRequiresLinking, err
	}
	if err := m.keystore.Save(passphrase, keys); err != nil {
		m.setState(StateRequiresLinking)
		return StateRequiresLinking, err
	}
	if err := m.directory.PublishPublicKeys(ctx, handle, keys.Public()); err != nil {
		m.setState(StateRequiresLinking)
		return StateRequiresLinking, err
	}

	m.log.Info(ctx, "generated and published fresh identity", "handle", handle, "fingerprint", keys.Fingerprint())
	m.install(keys)
	return StateReady, nil
}

// Reset destructively rotates the identity: the old pair is cleared before
// the new one is installed so no reader can observe stale keys as valid.
// When email is non-empty the public half is republished under that
// email-derived handle.
func (m *Manager) Reset(ctx context.Context, passphrase, email string) error {
	m.mu.Lock()
	m.keys = nil
	m.mu.Unlock()
	if err := m.keystore.Wipe(); err != nil {
		return err
	}

	keys, err := cryptox.NewKeyPair()
	if err != nil {
		return err
	}

	handle := ""
	if email != "" {
		handle = contacts.EmailHandle(email)
	} else {
		handle, err = m.Handle(ctx)
		if err != nil {
			return err
		}
	}

	if err := m.keystore.Save(passphrase, keys); err != nil {
		return err
	}
	if err := m.directory.PublishPublicKeys(ctx, handle, keys.Public()); err != nil {
		return err
	}

	m.log.Info(ctx, "identity reset", "handle", handle, "fingerprint", keys.Fingerprint())
	m.install(keys)
	return nil
}

// InstallLinked parses an exported pair recovered through device linking,
// persists it, republishes the directory entry if needed, and moves to
// Ready.
func (m *Manager) InstallLinked(ctx context.Context, exported []byte, passphrase string) error {
	keys, err := cryptox.ImportKeyPair(exported)
	if err != nil {
		return err
	}
	if err := m.keystore.Save(passphrase, keys); err != nil {
		return err
	}

	handle, err := m.Handle(ctx)
	if err != nil {
		return err
	}
	published, err := m.directory.GetPublicKeys(ctx, handle)
	if errors.Is(err, common.ErrKeyNotFound) || (err == nil && !keys.Matches(published)) {
		if err := m.directory.PublishPublicKeys(ctx, handle, keys.Public()); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	m.log.Info(ctx, "installed linked identity", "fingerprint", keys.Fingerprint())
	m.install(keys)
	return nil
}

func (m *Manager) install(keys *cryptox.KeyPair) {
	m.mu.Lock()
	m.keys = keys
	m.mu.Unlock()
	m.setState(StateReady)
}
