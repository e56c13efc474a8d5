package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/atinyakov/ReliefNet/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeRepo struct {
	messages    map[string]models.Message
	statuses    map[string]models.SyncStatus
	emergencies map[string]models.EmergencyRequest
	err         error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		messages:    map[string]models.Message{},
		statuses:    map[string]models.SyncStatus{},
		emergencies: map[string]models.EmergencyRequest{},
	}
}

func (f *fakeRepo) InsertMessage(_ context.Context, m models.Message, s models.SyncStatus) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if _, ok := f.messages[m.ID]; ok {
		return false, nil
	}
	f.messages[m.ID] = m
	f.statuses[m.ID] = s
	return true, nil
}

func (f *fakeRepo) InsertEmergency(_ context.Context, e models.EmergencyRequest, _ models.SyncStatus) (bool, error) {
	if _, ok := f.emergencies[e.ID]; ok {
		return false, nil
	}
	f.emergencies[e.ID] = e
	return true, nil
}

func (f *fakeRepo) RecentMessages(context.Context, int64, int) ([]models.Message, error) {
	return nil, nil
}

func TestInbox_PersistNotifiesOnce(t *testing.T) {
	repo := newFakeRepo()
	inbox := NewInbox(repo, zap.NewNop())

	var got []string
	inbox.AddMessageListener(func(m models.Message) { got = append(got, m.ID) })

	env := Envelope{Kind: KindSyncResponse, MessageID: "M1", Content: "hello"}
	inserted, err := inbox.Persist(context.Background(), env)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = inbox.Persist(context.Background(), env)
	require.NoError(t, err)
	assert.False(t, inserted)

	assert.Equal(t, []string{"M1"}, got)
	assert.Equal(t, models.Pending, repo.statuses["M1"])
}

func TestInbox_PersistEmergency(t *testing.T) {
	repo := newFakeRepo()
	inbox := NewInbox(repo, zap.NewNop())

	_, err := inbox.Persist(context.Background(), Envelope{Kind: KindEmergency, MessageID: "E1", SenderID: "U7"})
	require.NoError(t, err)
	assert.Equal(t, "U7", repo.emergencies["E1"].RequesterID)
	assert.Empty(t, repo.messages)
}

func TestInbox_SyncRequestStoresNothing(t *testing.T) {
	repo := newFakeRepo()
	inbox := NewInbox(repo, zap.NewNop())

	inserted, err := inbox.Persist(context.Background(), Envelope{Kind: KindSyncRequest})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Empty(t, repo.messages)
}

func TestInbox_StoreError(t *testing.T) {
	repo := newFakeRepo()
	repo.err = errors.New("busy")
	inbox := NewInbox(repo, zap.NewNop())

	_, err := inbox.Persist(context.Background(), Envelope{Kind: KindMessage, MessageID: "M1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist MESSAGE M1")
}

func TestInbox_ListenerPanicIsContained(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	inbox := NewInbox(newFakeRepo(), zap.New(core))

	second := false
	inbox.AddMessageListener(func(models.Message) { panic("boom") })
	inbox.AddMessageListener(func(models.Message) { second = true })

	_, err := inbox.Persist(context.Background(), Envelope{Kind: KindMessage, MessageID: "M1"})
	require.NoError(t, err)
	assert.True(t, second)
	assert.Equal(t, 1, logs.FilterMessage("message listener panicked").Len())
}

func TestInbox_StoreOutgoingIsSilent(t *testing.T) {
	repo := newFakeRepo()
	inbox := NewInbox(repo, zap.NewNop())

	called := false
	inbox.AddMessageListener(func(models.Message) { called = true })

	require.NoError(t, inbox.StoreOutgoing(context.Background(), Envelope{Kind: KindMessage, MessageID: "M1", SenderID: "U1"}))
	assert.False(t, called)
	assert.Equal(t, "U1", repo.messages["M1"].SenderID)
}
