// Package inbox drains the remote inbox queue into local, gatekept state:
// decrypt, verify, resolve the sender, gatekeep (block list, strangers),
// route, and acknowledge in one batched call.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

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

// Opener decrypts an envelope with some key material. The active identity
// pair backs normal mode; a link session backs safe mode.
type Opener interface {
	Open(env models.Envelope) ([]byte, error)
}

type keyOpener struct {
	keys *cryptox.KeyPair
}

func (o keyOpener) Open(env models.Envelope) ([]byte, error) {
	return cryptox.OpenEnvelope(env, o.keys)
}

// TypingSignal is a transient, never-persisted indicator.
type TypingSignal struct {
	ConversationURN string
	SenderID        string
}

// Result aggregates one drain: persisted content, transient signals,
// applied read receipts and an optionally captured linking payload.
type Result struct {
	Messages     []models.Message
	Typing       []TypingSignal
	ReadReceipts []string
	LinkPayload  []byte
}

// readReceiptBody is the decrypted payload of a read-receipt signal.
type readReceiptBody struct {
	MessageIDs []string `json:"messageIds"`
}

// Pipeline is the inbound ingestion pipeline.
type Pipeline struct {
	queue      remote.QueueClient
	directory  remote.DirectoryClient
	resolver   contacts.Resolver
	messages   store.MessageRepository
	quarantine store.QuarantineRepository
	state      *convstate.State
	log        logging.Logger
	batchSize  int
}

func NewPipeline(queue remote.QueueClient, directory remote.DirectoryClient, resolver contacts.Resolver,
	messages store.MessageRepository, quarantine store.QuarantineRepository,
	state *convstate.State, log logging.Logger, batchSize int) *Pipeline {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Pipeline{
		queue:      queue,
		directory:  directory,
		resolver:   resolver,
		messages:   messages,
		quarantine: quarantine,
		state:      state,
		log:        log.With("component", "inbox"),
		batchSize:  batchSize,
	}
}

// Drain runs normal mode: fetch, process and acknowledge batches until the
// queue returns fewer items than the limit.
func (p *Pipeline) Drain(ctx context.Context, keys *cryptox.KeyPair) (*Result, error) {
	res := &Result{}
	for {
		fetched, err := p.processBatch(ctx, keyOpener{keys: keys}, false, res)
		if err != nil {
			return res, err
		}
		if fetched < p.batchSize {
			return res, nil
		}
	}
}

// PollSafe runs safe mode for device linking: a single round-trip in which
// decryption failures mean "not for this session" and are left unacked.
func (p *Pipeline) PollSafe(ctx context.Context, opener Opener) (*Result, error) {
	res := &Result{}
	_, err := p.processBatch(ctx, opener, true, res)
	return res, err
}

func (p *Pipeline) processBatch(ctx context.Context, opener Opener, safe bool, res *Result) (int, error) {
	items, err := p.queue.FetchBatch(ctx, p.batchSize)
	if err != nil {
		return 0, fmt.Errorf("fetching batch: %w", err)
	}

	var ack []string
	for _, item := range items {
		shouldAck, err := p.processItem(ctx, opener, safe, item, res)
		if err != nil {
			if safe {
				// Losing a linking payload is unrecoverable; leave the item
				// for retry.
				p.log.Warn(ctx, "safe-mode item failed, leaving unacked", "item", item.ID, "error", err)
				continue
			}
			// Bounded at-most-once beats an infinite redelivery loop.
			p.log.Error(ctx, "item processing failed, acking anyway", "item", item.ID, "error", err)
			shouldAck = true
		}
		if shouldAck {
			ack = append(ack, item.ID)
		}
	}

	if err := p.queue.Acknowledge(ctx, ack); err != nil {
		return len(items), fmt.Errorf("acknowledging batch: %w", err)
	}
	return len(items), nil
}

// processItem resolves one queued item to exactly one disposition:
// persisted+visible, persisted+quarantined, dropped, or skipped-for-retry.
// The returned bool says whether the item must be acknowledged.
func (p *Pipeline) processItem(ctx context.Context, opener Opener, safe bool, item models.QueuedItem, res *Result) (bool, error) {
	plaintext, err := opener.Open(item.Envelope)
	if err != nil {
		if safe {
			// Not addressed to this session key; leave it for a normal pass.
			return false, nil
		}
		p.log.Warn(ctx, "undecryptable item dropped", "item", item.ID)
		return true, nil
	}

	var tp models.TransportPayload
	if err := json.Unmarshal(plaintext, &tp); err != nil {
		if safe {
			return false, nil
		}
		p.log.Warn(ctx, "malformed payload dropped", "item", item.ID)
		return true, nil
	}

	// The distinguished device-sync payload is captured, never routed.
	if tp.TypeID == models.TypeDeviceSync {
		res.LinkPayload = tp.Data
		return true, nil
	}

	if !safe {
		if err := p.verifySender(ctx, item.Envelope, tp.SenderHandle); err != nil {
			p.log.Warn(ctx, "sender verification failed, dropping", "item", item.ID, "sender", tp.SenderHandle, "error", err)
			return true, nil
		}
	}

	senderID, err := p.resolver.ResolveContact(ctx, tp.SenderHandle)
	if err != nil {
		return false, err
	}

	blocked, err := p.resolver.IsBlocked(ctx, senderID)
	if err != nil {
		return false, err
	}
	if blocked {
		p.log.Debug(ctx, "blocked sender dropped", "sender", senderID)
		return true, nil
	}

	conv := conversationURN(tp, senderID)

	if item.Envelope.IsEphemeral {
		p.state.SetTyping(conv, senderID)
		res.Typing = append(res.Typing, TypingSignal{ConversationURN: conv, SenderID: senderID})
		return true, nil
	}

	if tp.TypeID == models.TypeReadReceipt {
		return true, p.applyReadReceipts(ctx, conv, tp.Data, res)
	}

	msg := models.Message{
		ID:              tp.ClientRecordID,
		ConversationURN: conv,
		SenderID:        senderID,
		SentAt:          tp.SentAt,
		TypeID:          tp.TypeID,
		Data:            tp.Data,
		Text:            models.CachedText(tp.TypeID, tp.Data),
		Tags:            tp.Tags,
		Status:          models.StatusReceived,
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	if contacts.IsHandle(senderID) {
		// Stranger: quarantine, pending approval, never surfaced.
		if err := p.quarantine.Insert(ctx, &msg); err != nil {
			return false, err
		}
		if err := p.resolver.AddPending(ctx, tp.SenderHandle); err != nil {
			return false, err
		}
		return true, nil
	}

	if err := p.messages.Upsert(ctx, &msg); err != nil {
		return false, err
	}
	if err := p.state.AppendIncoming(ctx, msg); err != nil {
		return false, err
	}
	res.Messages = append(res.Messages, msg)
	return true, nil
}

// verifySender checks the envelope signature against the sender's published
// signing key. Failures are handled by the caller as drop+ack.
func (p *Pipeline) verifySender(ctx context.Context, env models.Envelope, senderHandle string) error {
	pub, err := p.directory.GetPublicKeys(ctx, senderHandle)
	if err != nil {
		return err
	}
	return cryptox.VerifyEnvelope(env, pub)
}

func (p *Pipeline) applyReadReceipts(ctx context.Context, conv string, data []byte, res *Result) error {
	var body readReceiptBody
	if err := json.Unmarshal(data, &body); err != nil {
		return fmt.Errorf("parsing read receipt: %w", err)
	}
	for _, id := range body.MessageIDs {
		if err := p.messages.UpdateStatus(ctx, id, models.StatusRead); err != nil {
			if errors.Is(err, common.ErrorNotFound) {
				continue
			}
			return err
		}
		_ = p.state.UpdateStatus(ctx, conv, id, models.StatusRead)
		res.ReadReceipts = append(res.ReadReceipts, id)
	}
	return nil
}

// conversationURN derives the storage conversation: the group id when the
// payload names one, otherwise the resolved sender ("the other party").
func conversationURN(tp models.TransportPayload, senderID string) string {
	if strings.HasPrefix(tp.ConversationURN, "group:") {
		return tp.ConversationURN
	}
	return senderID
}
