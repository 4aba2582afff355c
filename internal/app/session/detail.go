package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketchat/internal/domain/chat"
)

// DetailState is the lifecycle of the open conversation view.
type DetailState string

const (
	DetailIdle    DetailState = "idle"
	DetailLoading DetailState = "loading"
	DetailActive  DetailState = "active"
	// DetailDisabled means the counterpart removed the conversation while it
	// was open; the composer is blocked and the view redirects away.
	DetailDisabled   DetailState = "disabled"
	DetailRedirected DetailState = "redirected"
)

// MoneyAdvisory is shown when composer text looks like a payment request.
// It is a product advisory only and never blocks the send path.
const MoneyAdvisory = "Never exchange money through chat messages."

var moneyHint = regexp.MustCompile(`(?i)(\$|€|£|paypal|venmo|wire|iban|bank transfer|send money|\d+\s?(usd|eur|gbp))`)

// DetailController owns the single open conversation: its message feed,
// composer state, attachment uploads and the disabled/blocked transitions.
type DetailController struct {
	store    *Store
	counter  *UnreadCounter
	repo     ConversationRepository
	feed     ChangeFeed
	uploader Uploader
	logger   *slog.Logger
	now      func() time.Time

	// OnRedirect is invoked when the view navigates away, either after a
	// remote tombstone or after the user's own delete.
	OnRedirect func(chat.ConversationID)

	mu         sync.Mutex
	id         chat.ConversationID
	state      DetailState
	msgs       []*chat.Message
	composer   string
	advisory   string
	cancelFeed func()
	gen        int
}

// NewDetailController builds the controller; Open binds it to a conversation.
func NewDetailController(store *Store, counter *UnreadCounter, repo ConversationRepository, feed ChangeFeed, uploader Uploader, logger *slog.Logger) *DetailController {
	return &DetailController{
		store:    store,
		counter:  counter,
		repo:     repo,
		feed:     feed,
		uploader: uploader,
		logger:   logger,
		now:      time.Now,
		state:    DetailIdle,
	}
}

// State returns the current lifecycle state.
func (d *DetailController) State() DetailState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// ConversationID returns the bound conversation, or "" when idle.
func (d *DetailController) ConversationID() chat.ConversationID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.id
}

// Open loads the conversation, enables the composer and installs the scoped
// tombstone subscription. A conversation that no longer resolves routes to
// the disabled state instead of erroring.
func (d *DetailController) Open(ctx context.Context, id chat.ConversationID) error {
	d.Close()

	d.mu.Lock()
	d.id = id
	d.state = DetailLoading
	d.msgs = nil
	d.composer = ""
	d.advisory = ""
	gen := d.gen
	d.mu.Unlock()

	conv, err := d.repo.GetConversation(ctx, id)
	if err != nil {
		// Only a missing row is a deletion signal; transient fetch failures
		// surface as retryable without touching the lifecycle.
		if errors.Is(err, ErrNotFoundOrDeleted) {
			d.enterDisabled(gen)
			return err
		}
		d.mu.Lock()
		if d.gen == gen {
			d.state = DetailIdle
		}
		d.mu.Unlock()
		return err
	}
	if d.tombstonedForMe(conv) {
		d.enterDisabled(gen)
		return ErrNotFoundOrDeleted
	}

	msgs, err := d.repo.ListMessages(ctx, id)
	if err != nil {
		d.mu.Lock()
		if d.gen == gen {
			d.state = DetailIdle
		}
		d.mu.Unlock()
		return err
	}
	chat.SortMessages(msgs)

	d.mu.Lock()
	if d.gen != gen {
		d.mu.Unlock()
		return nil
	}
	d.msgs = msgs
	d.state = DetailActive
	d.mu.Unlock()

	d.counter.MarkRead(ctx, id)
	d.counter.Observe(id, msgs)
	d.subscribeScoped(ctx, id, gen)
	return nil
}

// tombstonedForMe reports whether the remote row carries an external
// deletion signal for the session user's view.
func (d *DetailController) tombstonedForMe(conv *chat.Conversation) bool {
	if conv == nil {
		return true
	}
	if conv.Deleted {
		return true
	}
	other := conv.Counterpart(d.store.User())
	return conv.DeletedBy != "" && conv.DeletedBy == other
}

func (d *DetailController) subscribeScoped(ctx context.Context, id chat.ConversationID, gen int) {
	if d.feed == nil {
		return
	}
	tables := []string{chat.TableConversations, chat.TableMessages}
	cancel, err := d.feed.Subscribe(ctx, tables, func(ev chat.ChangeEvent) {
		evID := ev.ConversationID
		if evID == "" && ev.Table == chat.TableConversations {
			evID = chat.ConversationID(ev.RowID)
		}
		if evID != id {
			return
		}
		d.refresh(ctx, gen)
	}, func(err error) {
		d.refresh(ctx, gen)
	})
	if err != nil {
		d.logger.Warn("scoped subscription failed", "conversation_id", id, "error", err)
		return
	}
	d.mu.Lock()
	if d.gen != gen {
		d.mu.Unlock()
		cancel()
		return
	}
	d.cancelFeed = cancel
	d.mu.Unlock()
}

// refresh re-reads the conversation and its messages. It drives the
// active -> disabled transition when the counterpart's tombstone shows up.
func (d *DetailController) refresh(ctx context.Context, gen int) {
	d.mu.Lock()
	if d.gen != gen || d.state != DetailActive {
		d.mu.Unlock()
		return
	}
	id := d.id
	d.mu.Unlock()

	conv, err := d.repo.GetConversation(ctx, id)
	if err != nil {
		// A network blip on a scoped refresh must not tear down a healthy
		// view; only the missing-row signal disables it.
		if errors.Is(err, ErrNotFoundOrDeleted) {
			d.enterDisabled(gen)
		}
		return
	}
	if d.tombstonedForMe(conv) {
		d.enterDisabled(gen)
		return
	}

	msgs, err := d.repo.ListMessages(ctx, id)
	if err != nil {
		return
	}
	chat.SortMessages(msgs)

	d.mu.Lock()
	if d.gen != gen || d.state != DetailActive {
		d.mu.Unlock()
		return
	}
	// Keep optimistic messages the authoritative read does not know yet.
	byID := make(map[chat.MessageID]struct{}, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = struct{}{}
	}
	for _, m := range d.msgs {
		if m.Delivery == chat.DeliverySent {
			continue
		}
		if _, ok := byID[m.ID]; !ok {
			msgs = append(msgs, m)
		}
	}
	chat.SortMessages(msgs)
	d.msgs = msgs
	d.mu.Unlock()

	d.counter.Observe(id, msgs)
	d.counter.MarkRead(ctx, id)
}

func (d *DetailController) enterDisabled(gen int) {
	d.mu.Lock()
	if d.gen != gen || d.state == DetailDisabled || d.state == DetailRedirected {
		d.mu.Unlock()
		return
	}
	d.state = DetailDisabled
	id := d.id
	d.mu.Unlock()
	d.logger.Info("conversation disabled remotely", "conversation_id", id)
}

// Redirect completes the disabled -> redirected transition and navigates
// away. It is also the direct route after the user's own delete.
func (d *DetailController) Redirect() {
	d.mu.Lock()
	id := d.id
	d.state = DetailRedirected
	d.mu.Unlock()
	if d.OnRedirect != nil && id != "" {
		d.OnRedirect(id)
	}
}

// Messages returns the display feed: created_at ascending, optimistic
// messages included.
func (d *DetailController) Messages() []*chat.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*chat.Message, len(d.msgs))
	copy(out, d.msgs)
	return out
}

// SetComposerText replaces the composer content. Quick replies and
// first-contact guidance write here and go through the normal submit path.
func (d *DetailController) SetComposerText(text string) {
	d.mu.Lock()
	d.composer = text
	if moneyHint.MatchString(text) {
		d.advisory = MoneyAdvisory
	} else {
		d.advisory = ""
	}
	d.mu.Unlock()
}

// ComposerText returns the current composer content.
func (d *DetailController) ComposerText() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.composer
}

// Advisory returns the active composer advisory, if any.
func (d *DetailController) Advisory() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.advisory
}

// Submit sends the composer content: an optimistic local message appears
// immediately, then the temporary id is reconciled with the authoritative
// one. On failure the message stays visible, flagged failed, with a retry
// affordance — user-authored text is never silently dropped.
func (d *DetailController) Submit(ctx context.Context) (*chat.Message, error) {
	d.mu.Lock()
	if d.state != DetailActive {
		d.mu.Unlock()
		return nil, ErrNotFoundOrDeleted
	}
	text := strings.TrimSpace(d.composer)
	if text == "" {
		d.mu.Unlock()
		return nil, chat.ErrEmptyBody
	}
	id := d.id
	gen := d.gen
	d.composer = ""
	d.advisory = ""
	d.mu.Unlock()

	msg := &chat.Message{
		ID:             chat.MessageID("tmp-" + uuid.NewString()),
		ConversationID: id,
		SenderID:       d.store.User(),
		Kind:           chat.KindText,
		Body:           text,
		CreatedAt:      d.now().UTC(),
		Delivery:       chat.DeliveryPending,
	}
	d.appendLocal(gen, msg)
	return msg, d.dispatch(ctx, gen, msg)
}

// AttachImage uploads the attachment and submits an image message through
// the same optimistic path as text.
func (d *DetailController) AttachImage(ctx context.Context, filename string, content io.Reader, contentType string) (*chat.Message, error) {
	d.mu.Lock()
	if d.state != DetailActive {
		d.mu.Unlock()
		return nil, ErrNotFoundOrDeleted
	}
	id := d.id
	gen := d.gen
	d.mu.Unlock()

	if d.uploader == nil {
		return nil, WriteFailed(fmt.Errorf("no uploader configured"))
	}
	key := fmt.Sprintf("chat/%s/%s-%s", id, uuid.NewString(), filename)
	url, err := d.uploader.Upload(ctx, key, content, contentType)
	if err != nil {
		return nil, WriteFailed(err)
	}

	msg := &chat.Message{
		ID:             chat.MessageID("tmp-" + uuid.NewString()),
		ConversationID: id,
		SenderID:       d.store.User(),
		Kind:           chat.KindImage,
		Body:           "[image]",
		AttachmentURL:  url,
		CreatedAt:      d.now().UTC(),
		Delivery:       chat.DeliveryPending,
	}
	d.appendLocal(gen, msg)
	return msg, d.dispatch(ctx, gen, msg)
}

// Retry re-dispatches a failed message.
func (d *DetailController) Retry(ctx context.Context, id chat.MessageID) error {
	d.mu.Lock()
	gen := d.gen
	var target *chat.Message
	for _, m := range d.msgs {
		if m.ID == id && m.Delivery == chat.DeliveryFailed {
			target = m
			break
		}
	}
	if target != nil {
		target.Delivery = chat.DeliveryPending
	}
	d.mu.Unlock()
	if target == nil {
		return ErrNotFoundOrDeleted
	}
	return d.dispatch(ctx, gen, target)
}

func (d *DetailController) appendLocal(gen int, msg *chat.Message) {
	d.mu.Lock()
	if d.gen == gen {
		d.msgs = append(d.msgs, msg)
	}
	d.mu.Unlock()
}

// dispatch performs the remote create and reconciles the optimistic message.
// If the view was torn down while the call was in flight, the result is
// discarded rather than written into dead state.
func (d *DetailController) dispatch(ctx context.Context, gen int, msg *chat.Message) error {
	stored, err := d.repo.AppendMessage(ctx, msg)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gen != gen {
		return nil
	}
	if err != nil {
		msg.Delivery = chat.DeliveryFailed
		d.logger.Warn("send failed, message kept for retry", "conversation_id", msg.ConversationID, "error", err)
		return WriteFailed(err)
	}
	// A refresh fired by the append's own change event may have already pulled
	// the authoritative row in; drop both it and the optimistic copy, then put
	// the stored row back exactly once.
	keep := d.msgs[:0]
	for _, m := range d.msgs {
		if m.ID == msg.ID || m.ID == stored.ID {
			continue
		}
		keep = append(keep, m)
	}
	d.msgs = append(keep, stored)
	chat.SortMessages(d.msgs)
	return nil
}

// Close tears down the scoped subscription and invalidates in-flight
// results. Safe to call repeatedly.
func (d *DetailController) Close() {
	d.mu.Lock()
	d.gen++
	cancel := d.cancelFeed
	d.cancelFeed = nil
	d.id = ""
	d.state = DetailIdle
	d.msgs = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
