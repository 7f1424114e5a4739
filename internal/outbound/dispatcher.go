// Package outbound turns send requests into sealed envelopes: optimistic
// local persistence, per-recipient encryption, a hard send deadline, and
// durable fanout for group conversations.
package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/halcyon-im/halcyon/internal/common"
	"github.com/halcyon-im/halcyon/internal/contacts"
	"github.com/halcyon-im/halcyon/internal/convstate"
	"github.com/halcyon-im/halcyon/internal/cryptox"
	"github.com/halcyon-im/halcyon/internal/logging"
	"github.com/halcyon-im/halcyon/internal/models"
	"github.com/halcyon-im/halcyon/internal/remote"
	"github.com/halcyon-im/halcyon/internal/store"
)

const (
	defaultSendTimeout = 30 * time.Second
	// Per-recipient delivery attempts before a fanout leg is marked failed.
	maxFanoutAttempts = 8
)

// IdentitySource provides the active key pair and routable handle of the
// local user. *identity.Manager satisfies it.
type IdentitySource interface {
	Keys() (*cryptox.KeyPair, error)
	Handle(ctx context.Context) (string, error)
}

// Request describes one outgoing item.
type Request struct {
	ConversationURN string
	TypeID          string
	Data            []byte
	Tags            []string
	// Ephemeral items (typing signals) skip persistence entirely.
	Ephemeral bool
}

// Dispatcher is the outbound path.
type Dispatcher struct {
	sender    remote.SendClient
	directory remote.DirectoryClient
	resolver  contacts.Resolver
	groups    contacts.GroupDirectory
	messages  store.MessageRepository
	fanout    store.FanoutRepository
	state     *convstate.State
	identity  IdentitySource
	log       logging.Logger
	timeout   time.Duration

	// newBackoff is swappable so tests do not wait out real intervals.
	newBackoff func() backoff.BackOff
}

func NewDispatcher(sender remote.SendClient, directory remote.DirectoryClient,
	resolver contacts.Resolver, groups contacts.GroupDirectory,
	messages store.MessageRepository, fanout store.FanoutRepository,
	state *convstate.State, identity IdentitySource,
	log logging.Logger, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	return &Dispatcher{
		sender:    sender,
		directory: directory,
		resolver:  resolver,
		groups:    groups,
		messages:  messages,
		fanout:    fanout,
		state:     state,
		identity:  identity,
		log:       log.With("component", "outbound"),
		timeout:   timeout,
		newBackoff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxFanoutAttempts-1)
		},
	}
}

// Send dispatches one request. For direct conversations it blocks until the
// envelope is accepted, fails, or the deadline expires; for groups it
// persists a fanout task, marks the record sent at the task level and leaves
// per-recipient delivery to the detached worker, which downgrades to failed
// only when no recipient is reachable. The returned message is nil for
// ephemeral requests.
func (d *Dispatcher) Send(ctx context.Context, req Request) (*models.Message, error) {
	keys, err := d.identity.Keys()
	if err != nil {
		return nil, err
	}
	selfHandle, err := d.identity.Handle(ctx)
	if err != nil {
		return nil, err
	}

	if req.Ephemeral {
		return nil, d.sendEphemeral(ctx, req, keys, selfHandle)
	}

	// Optimistic: the message exists locally as pending before any network.
	msg := models.Message{
		ID:              uuid.NewString(),
		ConversationURN: req.ConversationURN,
		SenderID:        "me",
		SentAt:          time.Now().UTC(),
		TypeID:          req.TypeID,
		Data:            req.Data,
		Text:            models.CachedText(req.TypeID, req.Data),
		Tags:            req.Tags,
		Status:          models.StatusPending,
	}
	if err := d.messages.Upsert(ctx, &msg); err != nil {
		return nil, err
	}
	if err := d.state.AppendOutgoing(ctx, msg); err != nil {
		return nil, err
	}

	if strings.HasPrefix(req.ConversationURN, "group:") {
		if err := d.sendGroup(ctx, &msg, req); err != nil {
			return &msg, err
		}
		return &msg, nil
	}

	status, err := d.sendDirect(ctx, &msg, req, keys, selfHandle)
	d.settle(ctx, &msg, status)
	return &msg, err
}

// SendAsync is Send without blocking on the network: the optimistic record
// comes back immediately and the final status arrives on the channel once the
// direct transmit (or the fanout worker) settles it.
func (d *Dispatcher) SendAsync(ctx context.Context, req Request) (*models.Message, <-chan models.DeliveryStatus, error) {
	keys, err := d.identity.Keys()
	if err != nil {
		return nil, nil, err
	}
	selfHandle, err := d.identity.Handle(ctx)
	if err != nil {
		return nil, nil, err
	}
	if req.Ephemeral {
		return nil, nil, d.sendEphemeral(ctx, req, keys, selfHandle)
	}

	msg := models.Message{
		ID:              uuid.NewString(),
		ConversationURN: req.ConversationURN,
		SenderID:        "me",
		SentAt:          time.Now().UTC(),
		TypeID:          req.TypeID,
		Data:            req.Data,
		Text:            models.CachedText(req.TypeID, req.Data),
		Tags:            req.Tags,
		Status:          models.StatusPending,
	}
	if err := d.messages.Upsert(ctx, &msg); err != nil {
		return nil, nil, err
	}
	if err := d.state.AppendOutgoing(ctx, msg); err != nil {
		return nil, nil, err
	}

	done := make(chan models.DeliveryStatus, 1)
	if strings.HasPrefix(req.ConversationURN, "group:") {
		// Observer first: the fanout worker settles the status and must not
		// win the race against registration.
		d.watchSettle(msg.ConversationURN, msg.ID, done)
		if err := d.sendGroup(ctx, &msg, req); err != nil {
			return &msg, done, err
		}
		return &msg, done, nil
	}

	sent := msg
	go func(bg context.Context) {
		status, err := d.sendDirect(bg, &sent, req, keys, selfHandle)
		if err != nil {
			d.log.Warn(bg, "async send failed", "message", sent.ID, "error", err)
		}
		d.settle(bg, &sent, status)
		done <- status
	}(context.WithoutCancel(ctx))
	return &msg, done, nil
}

// watchSettle forwards the first settled status of a message to done and then
// drops its observer. It must be called before the worker that settles the
// status starts, so cancel is assigned before any event can fire.
func (d *Dispatcher) watchSettle(urn, id string, done chan<- models.DeliveryStatus) {
	var once sync.Once
	var cancel func()
	cancel = d.state.Subscribe(func(ev convstate.Event) {
		if ev.Type != convstate.EventStatus || ev.ConversationURN != urn || ev.MessageID != id {
			return
		}
		for _, m := range d.state.Messages(urn) {
			if m.ID == id && m.Status != models.StatusPending {
				once.Do(func() {
					done <- m.Status
					cancel()
				})
				return
			}
		}
	})
}

// sendDirect seals and transmits to a single recipient under the deadline.
func (d *Dispatcher) sendDirect(ctx context.Context, msg *models.Message, req Request, keys *cryptox.KeyPair, selfHandle string) (models.DeliveryStatus, error) {
	handle, err := d.recipientHandle(ctx, req.ConversationURN)
	if err != nil {
		return models.StatusFailed, err
	}

	env, err := d.seal(ctx, msg, req, keys, selfHandle, handle)
	if err != nil {
		return models.StatusFailed, err
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.sender.Send(sendCtx, env); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return models.StatusFailed, fmt.Errorf("%w: no response within %s", common.ErrSendTimeout, d.timeout)
		}
		return models.StatusFailed, fmt.Errorf("%w: %v", common.ErrSendFailure, err)
	}
	return models.StatusSent, nil
}

// sendEphemeral seals a transient signal; nothing is persisted and failures
// are swallowed after logging, a lost typing indicator costs nothing.
func (d *Dispatcher) sendEphemeral(ctx context.Context, req Request, keys *cryptox.KeyPair, selfHandle string) error {
	handle, err := d.recipientHandle(ctx, req.ConversationURN)
	if err != nil {
		return err
	}
	tp := models.TransportPayload{
		SenderHandle: selfHandle,
		SentAt:       time.Now().UTC(),
		TypeID:       req.TypeID,
	}
	plaintext, err := json.Marshal(tp)
	if err != nil {
		return err
	}
	recipient, err := d.directory.GetPublicKeys(ctx, handle)
	if err != nil {
		return err
	}
	env, err := cryptox.SealEnvelope(plaintext, recipient, keys, handle, true)
	if err != nil {
		return err
	}
	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.sender.Send(sendCtx, env); err != nil {
		d.log.Debug(ctx, "ephemeral send dropped", "error", err)
	}
	return nil
}

// sendGroup persists a durable fanout task and hands it to a detached worker.
func (d *Dispatcher) sendGroup(ctx context.Context, msg *models.Message, req Request) error {
	members, err := d.groups.Members(ctx, req.ConversationURN)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		d.settle(ctx, msg, models.StatusFailed)
		return fmt.Errorf("%w: group %s has no members", common.ErrSendFailure, req.ConversationURN)
	}

	task := models.FanoutTask{
		ID:              uuid.NewString(),
		SourceMessageID: msg.ID,
		ConversationURN: req.ConversationURN,
		TypeID:          req.TypeID,
		Data:            req.Data,
		Tags:            req.Tags,
	}
	for _, h := range members {
		task.Recipients = append(task.Recipients, models.FanoutRecipient{
			Handle: h,
			Status: models.StatusPending,
		})
	}
	if err := d.fanout.SaveTask(ctx, &task); err != nil {
		return err
	}

	// Optimistic at the task level; the worker downgrades to failed only
	// when no leg lands.
	d.settle(ctx, msg, models.StatusSent)

	// Detached: the worker outlives the caller's context.
	go d.runFanout(context.WithoutCancel(ctx), task)
	return nil
}

// ResumePending restarts workers for fanout tasks interrupted by shutdown.
func (d *Dispatcher) ResumePending(ctx context.Context) error {
	tasks, err := d.fanout.PendingTasks(ctx)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		go d.runFanout(context.WithoutCancel(ctx), task)
	}
	if len(tasks) > 0 {
		d.log.Info(ctx, "resumed fanout tasks", "count", len(tasks))
	}
	return nil
}

// runFanout delivers each pending leg with backoff, then settles the source
// message: sent if any leg landed, failed if none did.
func (d *Dispatcher) runFanout(ctx context.Context, task models.FanoutTask) {
	keys, err := d.identity.Keys()
	if err != nil {
		d.log.Error(ctx, "fanout aborted, identity not ready", "task", task.ID, "error", err)
		return
	}
	selfHandle, err := d.identity.Handle(ctx)
	if err != nil {
		d.log.Error(ctx, "fanout aborted", "task", task.ID, "error", err)
		return
	}

	anySent := false
	for i := range task.Recipients {
		rec := &task.Recipients[i]
		if rec.Status != models.StatusPending {
			if rec.Status == models.StatusSent {
				anySent = true
			}
			continue
		}
		if d.deliverLeg(ctx, &task, rec, keys, selfHandle) {
			anySent = true
		}
	}

	final := models.StatusFailed
	if anySent {
		final = models.StatusSent
	}
	src, err := d.messages.GetByID(ctx, task.SourceMessageID)
	if err != nil {
		d.log.Error(ctx, "fanout source lookup failed", "task", task.ID, "error", err)
		return
	}
	d.settle(ctx, src, final)
}

// deliverLeg retries one recipient until success or attempts are exhausted.
func (d *Dispatcher) deliverLeg(ctx context.Context, task *models.FanoutTask, rec *models.FanoutRecipient, keys *cryptox.KeyPair, selfHandle string) bool {
	op := func() error {
		rec.Attempts++
		recipient, err := d.directory.GetPublicKeys(ctx, rec.Handle)
		if err != nil {
			if errors.Is(err, common.ErrKeyNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		tp := models.TransportPayload{
			SenderHandle:    selfHandle,
			SentAt:          time.Now().UTC(),
			TypeID:          task.TypeID,
			Data:            task.Data,
			ClientRecordID:  task.SourceMessageID,
			ConversationURN: task.ConversationURN,
			Tags:            task.Tags,
		}
		plaintext, err := json.Marshal(tp)
		if err != nil {
			return backoff.Permanent(err)
		}
		env, err := cryptox.SealEnvelope(plaintext, recipient, keys, rec.Handle, false)
		if err != nil {
			return backoff.Permanent(err)
		}
		sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		return d.sender.Send(sendCtx, env)
	}

	err := backoff.Retry(op, backoff.WithContext(d.newBackoff(), ctx))
	status := models.StatusSent
	if err != nil {
		status = models.StatusFailed
		d.log.Warn(ctx, "fanout leg failed", "task", task.ID, "recipient", rec.Handle, "attempts", rec.Attempts, "error", err)
	}
	rec.Status = status
	if uerr := d.fanout.UpdateRecipient(ctx, task.ID, rec.Handle, status, rec.Attempts); uerr != nil {
		d.log.Error(ctx, "fanout leg update failed", "task", task.ID, "recipient", rec.Handle, "error", uerr)
	}
	return err == nil
}

// seal builds and encrypts the transport payload for one recipient.
func (d *Dispatcher) seal(ctx context.Context, msg *models.Message, req Request, keys *cryptox.KeyPair, selfHandle, recipientHandle string) (models.Envelope, error) {
	recipient, err := d.directory.GetPublicKeys(ctx, recipientHandle)
	if err != nil {
		return models.Envelope{}, err
	}
	tp := models.TransportPayload{
		SenderHandle:   selfHandle,
		SentAt:         msg.SentAt,
		TypeID:         req.TypeID,
		Data:           req.Data,
		ClientRecordID: msg.ID,
		Tags:           req.Tags,
	}
	plaintext, err := json.Marshal(tp)
	if err != nil {
		return models.Envelope{}, err
	}
	return cryptox.SealEnvelope(plaintext, recipient, keys, recipientHandle, false)
}

// recipientHandle maps a direct conversation id to its routable handle.
// Handle-shaped ids pass through, which lets replies reach quarantined
// strangers before they are promoted to contacts.
func (d *Dispatcher) recipientHandle(ctx context.Context, conversationURN string) (string, error) {
	if contacts.IsHandle(conversationURN) {
		return conversationURN, nil
	}
	handle, err := d.resolver.ResolveHandle(ctx, conversationURN)
	if err != nil {
		return "", err
	}
	if handle == "" {
		return "", fmt.Errorf("%w: no handle for %s", common.ErrorNotFound, conversationURN)
	}
	return handle, nil
}

// settle records the terminal status in the store and the live view.
func (d *Dispatcher) settle(ctx context.Context, msg *models.Message, status models.DeliveryStatus) {
	if err := d.messages.UpdateStatus(ctx, msg.ID, status); err != nil {
		d.log.Error(ctx, "status update failed", "message", msg.ID, "error", err)
	}
	if err := d.state.UpdateStatus(ctx, msg.ConversationURN, msg.ID, status); err != nil {
		d.log.Error(ctx, "live status update failed", "message", msg.ID, "error", err)
	}
	msg.Status = status
}
