// Package repository provides typed access to the syncable records kept in
// the local store, and persistence for the cloud document server.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/atinyakov/ReliefNet/internal/models"
)

// ErrNotFound is returned when a record with the requested id does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the subset of the persistent store the repository needs.
// *db.Store implements it.
type Store interface {
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	QueryFunc(ctx context.Context, query string, fn func(*sql.Rows) error, args ...any) error
}

// MergeResult reports what MergeRemoteUser did.
type MergeResult int

const (
	MergeSkipped MergeResult = iota
	MergeInserted
	MergeUpdated
)

// UserMergePolicy decides how a downloaded user is folded into an existing
// local row.
type UserMergePolicy struct {
	// LocalWins lists columns that are never taken from the remote copy. A
	// local row holding a value in any of them is left untouched.
	LocalWins []string
}

// DefaultUserMergePolicy keeps local credentials.
var DefaultUserMergePolicy = UserMergePolicy{LocalWins: []string{"password"}}

// LocalRepository reads and writes syncable records.
type LocalRepository struct {
	// Store executes the statements.
	Store Store
	// UserPolicy is applied by MergeRemoteUser.
	UserPolicy UserMergePolicy
}

// NewLocalRepository creates a LocalRepository using the default user policy.
func NewLocalRepository(store Store) *LocalRepository {
	return &LocalRepository{Store: store, UserPolicy: DefaultUserMergePolicy}
}

const (
	messageColumns   = `message_id, COALESCE(sender_id, ''), COALESCE(channel_id, ''), content, timestamp, COALESCE(sync_status, 'PENDING')`
	emergencyColumns = `request_id, COALESCE(requester_id, ''), COALESCE(emergency_type, ''), COALESCE(description, ''), COALESCE(location, ''), COALESCE(latitude, 0), COALESCE(longitude, 0), COALESCE(severity, ''), COALESCE(people_count, 0), COALESCE(status, ''), created_at, COALESCE(sync_status, 'PENDING')`
	userColumns      = `user_id, username, COALESCE(email, ''), COALESCE(password, ''), COALESCE(full_name, ''), COALESCE(phone, ''), COALESCE(user_type, ''), COALESCE(location, ''), created_at, COALESCE(sync_status, 'PENDING')`
	resourceColumns  = `resource_id, name, COALESCE(category, ''), COALESCE(quantity, 0), COALESCE(unit, ''), COALESCE(location, ''), COALESCE(provider_id, ''), COALESCE(status, ''), created_at, COALESCE(sync_status, 'PENDING')`

	pendingClause = ` WHERE sync_status IS NULL OR sync_status != 'SYNCED'`
)

// MarkSynced flags one record as replicated. It is idempotent.
func (r *LocalRepository) MarkSynced(ctx context.Context, entity models.Entity, id string) error {
	_, err := r.Store.Exec(ctx,
		`UPDATE `+entity.Table()+` SET sync_status = ? WHERE `+entity.IDColumn()+` = ?`,
		string(models.Synced), id)
	if err != nil {
		return fmt.Errorf("mark %s %s synced: %w", entity, id, err)
	}
	return nil
}

// SaveMessage stores a locally authored message as PENDING.
// It reports whether the row was new.
func (r *LocalRepository) SaveMessage(ctx context.Context, m models.Message) (bool, error) {
	return r.InsertMessage(ctx, m, models.Pending)
}

// InsertMessage inserts m unless a message with the same id exists.
func (r *LocalRepository) InsertMessage(ctx context.Context, m models.Message, status models.SyncStatus) (bool, error) {
	n, err := r.Store.Exec(ctx, `
		INSERT INTO messages (message_id, sender_id, channel_id, content, timestamp, sync_status)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (message_id) DO NOTHING
	`, m.ID, m.SenderID, m.ChannelID, m.Content, m.Timestamp, string(status))
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	return n > 0, nil
}

// GetMessage fetches one message.
func (r *LocalRepository) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	msgs, err := r.queryMessages(ctx, `SELECT `+messageColumns+` FROM messages WHERE message_id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}
	return &msgs[0], nil
}

// PendingMessages returns every message not yet confirmed by the cloud.
func (r *LocalRepository) PendingMessages(ctx context.Context) ([]models.Message, error) {
	return r.queryMessages(ctx, `SELECT `+messageColumns+` FROM messages`+pendingClause)
}

// RecentMessages returns up to limit of the newest messages with a timestamp
// at or after since (unix millis), oldest first.
func (r *LocalRepository) RecentMessages(ctx context.Context, since int64, limit int) ([]models.Message, error) {
	msgs, err := r.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE timestamp >= ? ORDER BY timestamp DESC LIMIT ?`,
		since, limit)
	if err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

func (r *LocalRepository) queryMessages(ctx context.Context, query string, args ...any) ([]models.Message, error) {
	var msgs []models.Message
	err := r.Store.QueryFunc(ctx, query, func(rows *sql.Rows) error {
		var m models.Message
		var status string
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ChannelID, &m.Content, &m.Timestamp, &status); err != nil {
			return fmt.Errorf("scan message: %w", err)
		}
		m.SyncStatus = models.ParseSyncStatus(status)
		msgs = append(msgs, m)
		return nil
	}, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	return msgs, nil
}

// SaveEmergency stores a locally raised emergency as PENDING.
func (r *LocalRepository) SaveEmergency(ctx context.Context, e models.EmergencyRequest) (bool, error) {
	return r.InsertEmergency(ctx, e, models.Pending)
}

// InsertEmergency inserts e unless a request with the same id exists.
func (r *LocalRepository) InsertEmergency(ctx context.Context, e models.EmergencyRequest, status models.SyncStatus) (bool, error) {
	n, err := r.Store.Exec(ctx, `
		INSERT INTO emergency_requests (request_id, requester_id, emergency_type, description, location,
			latitude, longitude, severity, people_count, status, created_at, sync_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (request_id) DO NOTHING
	`, e.ID, e.RequesterID, e.EmergencyType, e.Description, e.Location,
		e.Latitude, e.Longitude, e.Severity, e.PeopleCount, e.Status, e.CreatedAt, string(status))
	if err != nil {
		return false, fmt.Errorf("insert emergency: %w", err)
	}
	return n > 0, nil
}

// GetEmergency fetches one emergency request.
func (r *LocalRepository) GetEmergency(ctx context.Context, id string) (*models.EmergencyRequest, error) {
	list, err := r.queryEmergencies(ctx, `SELECT `+emergencyColumns+` FROM emergency_requests WHERE request_id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return &list[0], nil
}

// PendingEmergencies returns every emergency request not yet confirmed by the cloud.
func (r *LocalRepository) PendingEmergencies(ctx context.Context) ([]models.EmergencyRequest, error) {
	return r.queryEmergencies(ctx, `SELECT `+emergencyColumns+` FROM emergency_requests`+pendingClause)
}

func (r *LocalRepository) queryEmergencies(ctx context.Context, query string, args ...any) ([]models.EmergencyRequest, error) {
	var list []models.EmergencyRequest
	err := r.Store.QueryFunc(ctx, query, func(rows *sql.Rows) error {
		var e models.EmergencyRequest
		var status string
		if err := rows.Scan(&e.ID, &e.RequesterID, &e.EmergencyType, &e.Description, &e.Location,
			&e.Latitude, &e.Longitude, &e.Severity, &e.PeopleCount, &e.Status, &e.CreatedAt, &status); err != nil {
			return fmt.Errorf("scan emergency: %w", err)
		}
		e.SyncStatus = models.ParseSyncStatus(status)
		list = append(list, e)
		return nil
	}, args...)
	if err != nil {
		return nil, fmt.Errorf("query emergencies: %w", err)
	}
	return list, nil
}

// InsertUser inserts u unless a user with the same id exists.
func (r *LocalRepository) InsertUser(ctx context.Context, u models.User, status models.SyncStatus) (bool, error) {
	n, err := r.Store.Exec(ctx, `
		INSERT INTO users (user_id, username, email, password, full_name, phone, user_type, location, created_at, sync_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO NOTHING
	`, u.ID, u.Username, u.Email, u.Password, u.FullName, u.Phone, string(u.Type), u.Location, u.CreatedAt, string(status))
	if err != nil {
		return false, fmt.Errorf("insert user: %w", err)
	}
	return n > 0, nil
}

// GetUser fetches one user.
func (r *LocalRepository) GetUser(ctx context.Context, id string) (*models.User, error) {
	list, err := r.queryUsers(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return &list[0], nil
}

// PendingUsers returns every user not yet confirmed by the cloud.
func (r *LocalRepository) PendingUsers(ctx context.Context) ([]models.User, error) {
	return r.queryUsers(ctx, `SELECT `+userColumns+` FROM users`+pendingClause)
}

func (r *LocalRepository) queryUsers(ctx context.Context, query string, args ...any) ([]models.User, error) {
	var list []models.User
	err := r.Store.QueryFunc(ctx, query, func(rows *sql.Rows) error {
		var u models.User
		var userType, status string
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.Password, &u.FullName, &u.Phone,
			&userType, &u.Location, &u.CreatedAt, &status); err != nil {
			return fmt.Errorf("scan user: %w", err)
		}
		u.Type = models.UserType(userType)
		u.SyncStatus = models.ParseSyncStatus(status)
		list = append(list, u)
		return nil
	}, args...)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	return list, nil
}

// MergeRemoteUser folds a downloaded user into the local table. Unknown users
// are inserted as SYNCED. Known users are updated column by column, except
// for the policy's local-wins columns, and only while the local row holds no
// value in any of those columns. The sync_status of an existing row is kept.
func (r *LocalRepository) MergeRemoteUser(ctx context.Context, u models.User) (MergeResult, error) {
	local, err := r.GetUser(ctx, u.ID)
	if errors.Is(err, ErrNotFound) {
		if _, err := r.InsertUser(ctx, u, models.Synced); err != nil {
			return MergeSkipped, err
		}
		return MergeInserted, nil
	}
	if err != nil {
		return MergeSkipped, err
	}

	for _, col := range r.UserPolicy.LocalWins {
		if userColumn(*local, col) != "" {
			return MergeSkipped, nil
		}
	}

	var (
		sets []string
		args []any
	)
	for _, col := range []string{"username", "email", "full_name", "phone", "user_type", "location"} {
		if slices.Contains(r.UserPolicy.LocalWins, col) {
			continue
		}
		sets = append(sets, col+" = ?")
		args = append(args, userColumn(u, col))
	}
	if len(sets) == 0 {
		return MergeSkipped, nil
	}
	args = append(args, u.ID)

	query := `UPDATE users SET `
	for i, s := range sets {
		if i > 0 {
			query += ", "
		}
		query += s
	}
	query += ` WHERE user_id = ?`

	if _, err := r.Store.Exec(ctx, query, args...); err != nil {
		return MergeSkipped, fmt.Errorf("merge user %s: %w", u.ID, err)
	}
	return MergeUpdated, nil
}

func userColumn(u models.User, col string) string {
	switch col {
	case "username":
		return u.Username
	case "email":
		return u.Email
	case "password":
		return u.Password
	case "full_name":
		return u.FullName
	case "phone":
		return u.Phone
	case "user_type":
		return string(u.Type)
	case "location":
		return u.Location
	}
	return ""
}

// InsertResource inserts res unless a resource with the same id exists.
func (r *LocalRepository) InsertResource(ctx context.Context, res models.Resource, status models.SyncStatus) (bool, error) {
	n, err := r.Store.Exec(ctx, `
		INSERT INTO resources (resource_id, name, category, quantity, unit, location, provider_id, status, created_at, sync_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (resource_id) DO NOTHING
	`, res.ID, res.Name, res.Category, res.Quantity, res.Unit, res.Location, res.ProviderID, res.Status, res.CreatedAt, string(status))
	if err != nil {
		return false, fmt.Errorf("insert resource: %w", err)
	}
	return n > 0, nil
}

// GetResource fetches one resource.
func (r *LocalRepository) GetResource(ctx context.Context, id string) (*models.Resource, error) {
	list, err := r.queryResources(ctx, `SELECT `+resourceColumns+` FROM resources WHERE resource_id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return &list[0], nil
}

// PendingResources returns every resource not yet confirmed by the cloud.
func (r *LocalRepository) PendingResources(ctx context.Context) ([]models.Resource, error) {
	return r.queryResources(ctx, `SELECT `+resourceColumns+` FROM resources`+pendingClause)
}

func (r *LocalRepository) queryResources(ctx context.Context, query string, args ...any) ([]models.Resource, error) {
	var list []models.Resource
	err := r.Store.QueryFunc(ctx, query, func(rows *sql.Rows) error {
		var res models.Resource
		var status string
		if err := rows.Scan(&res.ID, &res.Name, &res.Category, &res.Quantity, &res.Unit, &res.Location,
			&res.ProviderID, &res.Status, &res.CreatedAt, &status); err != nil {
			return fmt.Errorf("scan resource: %w", err)
		}
		res.SyncStatus = models.ParseSyncStatus(status)
		list = append(list, res)
		return nil
	}, args...)
	if err != nil {
		return nil, fmt.Errorf("query resources: %w", err)
	}
	return list, nil
}
