package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atinyakov/ReliefNet/internal/models"
	"go.uber.org/zap"
)

// Repository is the record access the transports need.
// *repository.LocalRepository implements it.
type Repository interface {
	InsertMessage(ctx context.Context, m models.Message, status models.SyncStatus) (bool, error)
	InsertEmergency(ctx context.Context, e models.EmergencyRequest, status models.SyncStatus) (bool, error)
	RecentMessages(ctx context.Context, since int64, limit int) ([]models.Message, error)
}

// MessageListener is notified of every chat message newly stored from the network.
type MessageListener func(models.Message)

// Inbox persists received envelopes by kind and notifies message listeners.
// It is safe for concurrent use by per-connection workers.
type Inbox struct {
	repo Repository
	log  *zap.Logger

	mu        sync.RWMutex
	listeners []MessageListener
}

// NewInbox creates an Inbox writing to repo.
func NewInbox(repo Repository, log *zap.Logger) *Inbox {
	return &Inbox{repo: repo, log: log}
}

// AddMessageListener registers l.
func (i *Inbox) AddMessageListener(l MessageListener) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.listeners = append(i.listeners, l)
}

// Persist stores the payload of a received envelope. Chat payloads are
// inserted once per message id; emergencies become best-effort records.
// Received rows start PENDING so that whichever node reaches the cloud
// first uploads them. Listeners hear about new chat messages only. It
// reports whether a new row was written.
func (i *Inbox) Persist(ctx context.Context, env Envelope) (bool, error) {
	return i.persist(ctx, env, true)
}

// StoreOutgoing stores the payload of a locally authored envelope as
// PENDING without notifying listeners.
func (i *Inbox) StoreOutgoing(ctx context.Context, env Envelope) error {
	_, err := i.persist(ctx, env, false)
	return err
}

func (i *Inbox) persist(ctx context.Context, env Envelope, notify bool) (bool, error) {
	switch {
	case env.Kind.CarriesMessage():
		m := env.Message()
		inserted, err := i.repo.InsertMessage(ctx, m, models.Pending)
		if err != nil {
			return false, fmt.Errorf("persist %s %s: %w", env.Kind, env.MessageID, err)
		}
		if inserted && notify {
			i.notify(m)
		}
		return inserted, nil
	case env.Kind == KindEmergency:
		inserted, err := i.repo.InsertEmergency(ctx, env.Emergency(), models.Pending)
		if err != nil {
			return false, fmt.Errorf("persist emergency %s: %w", env.MessageID, err)
		}
		return inserted, nil
	case env.Kind == KindSyncRequest:
		return false, nil
	}
	return false, fmt.Errorf("persist: %w: %s", ErrUnknownKind, env.Kind)
}

// History returns the messages of the last window, oldest first, at most limit.
func (i *Inbox) History(ctx context.Context, window time.Duration, limit int) ([]models.Message, error) {
	since := time.Now().Add(-window).UnixMilli()
	return i.repo.RecentMessages(ctx, since, limit)
}

func (i *Inbox) notify(m models.Message) {
	i.mu.RLock()
	listeners := make([]MessageListener, len(i.listeners))
	copy(listeners, i.listeners)
	i.mu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					i.log.Error("message listener panicked", zap.Any("panic", r), zap.String("id", m.ID))
				}
			}()
			l(m)
		}()
	}
}
