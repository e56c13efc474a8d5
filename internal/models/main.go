// Package models defines the records replicated between relief nodes and the
// value types shared by the synchronization subsystem.
package models

// SyncStatus marks whether a record has been confirmed by the cloud store.
type SyncStatus string

const (
	// Pending records were authored or received locally and still need uploading.
	Pending SyncStatus = "PENDING"
	// Synced records were confirmed by a successful upload or came from the cloud.
	Synced SyncStatus = "SYNCED"
)

// ParseSyncStatus maps a stored column value to a SyncStatus.
// Anything other than SYNCED, including NULL/empty, is treated as PENDING.
func ParseSyncStatus(s string) SyncStatus {
	if SyncStatus(s) == Synced {
		return Synced
	}
	return Pending
}

// UserType is the account category chosen at registration.
type UserType string

const (
	// Authority accounts belong to government or NGO coordinators.
	Authority UserType = "AUTHORITY"
	// Volunteer accounts belong to field volunteers.
	Volunteer UserType = "VOLUNTEER"
	// Survivor accounts belong to people requesting help.
	Survivor UserType = "SURVIVOR"
)

// User represents an application user.
type User struct {
	// ID is the stable identifier of the user.
	ID string `json:"userId"`
	// Username is the login name.
	Username string `json:"username"`
	// Email is the contact address.
	Email string `json:"email"`
	// Password holds the credential hash. It is never overwritten by a remote copy.
	Password string `json:"password,omitempty"`
	// FullName is the display name.
	FullName string `json:"fullName"`
	// Phone is the contact number.
	Phone string `json:"phone"`
	// Type is the account category.
	Type UserType `json:"userType"`
	// Location is a free-form place description.
	Location string `json:"location"`
	// CreatedAt is the creation time in unix milliseconds.
	CreatedAt int64 `json:"createdAt"`
	// SyncStatus is the local replication state; it is not sent over the wire.
	SyncStatus SyncStatus `json:"-"`
}

// Message is a chat message posted to a channel.
type Message struct {
	ID         string     `json:"messageId"`
	SenderID   string     `json:"senderId"`
	ChannelID  string     `json:"channelId"`
	Content    string     `json:"content"`
	Timestamp  int64      `json:"timestamp"`
	SyncStatus SyncStatus `json:"-"`
}

// EmergencyRequest is a request for help raised by a survivor or on their behalf.
type EmergencyRequest struct {
	ID            string     `json:"requestId"`
	RequesterID   string     `json:"requesterId"`
	EmergencyType string     `json:"emergencyType"`
	Description   string     `json:"description"`
	Location      string     `json:"location"`
	Latitude      float64    `json:"latitude"`
	Longitude     float64    `json:"longitude"`
	Severity      string     `json:"severity"`
	PeopleCount   int        `json:"peopleCount"`
	Status        string     `json:"status"`
	CreatedAt     int64      `json:"createdAt"`
	SyncStatus    SyncStatus `json:"-"`
}

// Resource is a stock of relief supplies offered by a provider.
type Resource struct {
	ID         string     `json:"resourceId"`
	Name       string     `json:"name"`
	Category   string     `json:"category"`
	Quantity   int        `json:"quantity"`
	Unit       string     `json:"unit"`
	Location   string     `json:"location"`
	ProviderID string     `json:"providerId"`
	Status     string     `json:"status"`
	CreatedAt  int64      `json:"createdAt"`
	SyncStatus SyncStatus `json:"-"`
}

// Entity identifies one syncable table.
type Entity int

const (
	Messages Entity = iota
	Emergencies
	Users
	Resources
)

// AllEntities lists the syncable entities in upload order.
var AllEntities = []Entity{Messages, Emergencies, Users, Resources}

// Table returns the backing table name.
func (e Entity) Table() string {
	switch e {
	case Messages:
		return "messages"
	case Emergencies:
		return "emergency_requests"
	case Users:
		return "users"
	case Resources:
		return "resources"
	}
	return ""
}

// IDColumn returns the primary key column of the backing table.
func (e Entity) IDColumn() string {
	switch e {
	case Messages:
		return "message_id"
	case Emergencies:
		return "request_id"
	case Users:
		return "user_id"
	case Resources:
		return "resource_id"
	}
	return ""
}

// String implements fmt.Stringer.
func (e Entity) String() string {
	return e.Table()
}
