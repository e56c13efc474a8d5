package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/atinyakov/ReliefNet/internal/db"
	"github.com/atinyakov/ReliefNet/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMock(t *testing.T) (*LocalRepository, sqlmock.Sqlmock, func()) {
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock database: %v", err)
	}
	repo := NewLocalRepository(db.NewStore(conn, db.SQLite))
	cleanup := func() {
		conn.Close()
	}
	return repo, mock, cleanup
}

var messageRowColumns = []string{"message_id", "sender_id", "channel_id", "content", "timestamp", "sync_status"}

var userRowColumns = []string{"user_id", "username", "email", "password", "full_name", "phone", "user_type", "location", "created_at", "sync_status"}

func TestSaveMessage_InsertsPending(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	m := models.Message{ID: "M1", SenderID: "U1", ChannelID: "general_chat", Content: "Help needed in Dhaka", Timestamp: 1000}
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO messages`)).
		WithArgs("M1", "U1", "general_chat", "Help needed in Dhaka", int64(1000), "PENDING").
		WillReturnResult(sqlmock.NewResult(0, 1))

	inserted, err := repo.SaveMessage(context.Background(), m)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertMessage_DuplicateIsIgnored(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectExec(regexp.QuoteMeta(`ON CONFLICT (message_id) DO NOTHING`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := repo.InsertMessage(context.Background(), models.Message{ID: "M1", Content: "x"}, models.Synced)
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestInsertMessage_Error(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO messages`)).
		WillReturnError(errors.New("disk full"))

	_, err := repo.InsertMessage(context.Background(), models.Message{ID: "M1"}, models.Pending)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert message")
}

func TestPendingMessages(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	rows := sqlmock.NewRows(messageRowColumns).
		AddRow("M1", "U1", "c", "one", int64(1), "PENDING").
		AddRow("M2", "U2", "c", "two", int64(2), "")
	mock.ExpectQuery(regexp.QuoteMeta(`FROM messages WHERE sync_status IS NULL OR sync_status != 'SYNCED'`)).
		WillReturnRows(rows)

	msgs, err := repo.PendingMessages(context.Background())
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "M1", msgs[0].ID)
	assert.Equal(t, models.Pending, msgs[1].SyncStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMessage_NotFound(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta(`FROM messages WHERE message_id = ?`)).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(messageRowColumns))

	_, err := repo.GetMessage(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecentMessages_OldestFirst(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	rows := sqlmock.NewRows(messageRowColumns).
		AddRow("M3", "U", "c", "three", int64(300), "SYNCED").
		AddRow("M2", "U", "c", "two", int64(200), "PENDING")
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE timestamp >= ? ORDER BY timestamp DESC LIMIT ?`)).
		WithArgs(int64(100), 2).
		WillReturnRows(rows)

	msgs, err := repo.RecentMessages(context.Background(), 100, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "M2", msgs[0].ID)
	assert.Equal(t, "M3", msgs[1].ID)
	assert.Equal(t, models.Synced, msgs[1].SyncStatus)
}

func TestMarkSynced(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE emergency_requests SET sync_status = ? WHERE request_id = ?`)).
		WithArgs("SYNCED", "E1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkSynced(context.Background(), models.Emergencies, "E1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkSynced_Error(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE resources`)).
		WillReturnError(errors.New("boom"))

	err := repo.MarkSynced(context.Background(), models.Resources, "R1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mark resources R1 synced")
}

func TestMergeRemoteUser_InsertsUnknownAsSynced(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta(`FROM users WHERE user_id = ?`)).
		WithArgs("U1").
		WillReturnRows(sqlmock.NewRows(userRowColumns))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO users`)).
		WithArgs("U1", "ana", "a@x", "", "Ana", "", "VOLUNTEER", "", int64(5), "SYNCED").
		WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := repo.MergeRemoteUser(context.Background(), models.User{
		ID: "U1", Username: "ana", Email: "a@x", FullName: "Ana", Type: models.Volunteer, CreatedAt: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, MergeInserted, res)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMergeRemoteUser_KeepsLocalCredentials(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta(`FROM users WHERE user_id = ?`)).
		WithArgs("U1").
		WillReturnRows(sqlmock.NewRows(userRowColumns).
			AddRow("U1", "ana", "old@x", "hash", "Ana", "", "VOLUNTEER", "", int64(1), "SYNCED"))

	res, err := repo.MergeRemoteUser(context.Background(), models.User{ID: "U1", Username: "ana", Email: "new@x", Password: "other"})
	require.NoError(t, err)
	assert.Equal(t, MergeSkipped, res)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMergeRemoteUser_UpdatesWhenNoLocalCredentials(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta(`FROM users WHERE user_id = ?`)).
		WithArgs("U1").
		WillReturnRows(sqlmock.NewRows(userRowColumns).
			AddRow("U1", "ana", "old@x", "", "Ana", "", "SURVIVOR", "", int64(1), "PENDING"))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE users SET username = ?, email = ?, full_name = ?, phone = ?, user_type = ?, location = ? WHERE user_id = ?`)).
		WithArgs("ana", "new@x", "Ana B", "555", "SURVIVOR", "Dhaka", "U1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := repo.MergeRemoteUser(context.Background(), models.User{
		ID: "U1", Username: "ana", Email: "new@x", Password: "remote", FullName: "Ana B",
		Phone: "555", Type: models.Survivor, Location: "Dhaka",
	})
	require.NoError(t, err)
	assert.Equal(t, MergeUpdated, res)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingEmergencies(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	rows := sqlmock.NewRows([]string{"request_id", "requester_id", "emergency_type", "description", "location",
		"latitude", "longitude", "severity", "people_count", "status", "created_at", "sync_status"}).
		AddRow("E1", "U1", "FLOOD", "water rising", "Sylhet", 24.9, 91.8, "HIGH", 4, "OPEN", int64(10), "PENDING")
	mock.ExpectQuery(regexp.QuoteMeta(`FROM emergency_requests WHERE sync_status IS NULL`)).
		WillReturnRows(rows)

	list, err := repo.PendingEmergencies(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "FLOOD", list[0].EmergencyType)
	assert.Equal(t, 4, list[0].PeopleCount)
}

func TestPendingResources_QueryError(t *testing.T) {
	repo, mock, cleanup := setupMock(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta(`FROM resources WHERE sync_status IS NULL`)).
		WillReturnError(errors.New("no table"))

	_, err := repo.PendingResources(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query resources")
}
