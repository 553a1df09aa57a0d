package user

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxLastLogins = 10 // Max number of last logins to store (Moved to manager.go)

// LoginEvent holds information about a single login
type LoginEvent struct {
	Username  string
	Handle    string
	Timestamp time.Time
}

// User represents a user account.
type User struct {
	ID               int       `json:"id" toml:"id"` // Added User ID for ACS 'U' check
	Username         string    `json:"username" toml:"username"`
	PasswordHash     string    `json:"passwordHash" toml:"password_hash"` // Changed from []byte to string
	Handle           string    `json:"handle" toml:"handle"`
	AccessLevel      int       `json:"accessLevel" toml:"access_level"`
	Flags            string    `json:"flags" toml:"flags"` // Added Flags string for ACS 'F' check (e.g., "XYZ")
	LastLogin        time.Time `json:"lastLogin" toml:"last_login"`
	TimesCalled      int       `json:"timesCalled" toml:"times_called"` // Used for E (NumLogons)
	LastBulletinRead time.Time `json:"lastBulletinRead" toml:"last_bulletin_read"`
	RealName         string    `json:"realName" toml:"real_name"`
	PhoneNumber      string    `json:"phoneNumber" toml:"phone_number"`
	CreatedAt        time.Time `json:"createdAt" toml:"created_at"`
	Validated        bool      `json:"validated" toml:"validated"`
	FilePoints       int       `json:"filePoints" toml:"file_points"` // Added for P
	NumUploads       int       `json:"numUploads" toml:"num_uploads"` // Added for E
	// NumLogons is TimesCalled
	TimeLimit   int    `json:"timeLimit" toml:"time_limit"`     // Added for T (in minutes)
	PrivateNote string `json:"privateNote" toml:"private_note"` // Added for Z
	// TODO: Add fields for current message/file conference if C/X needed
	GroupLocation         string         `json:"group_location,omitempty" toml:"group_location,omitempty"`
	Groups                []string       `json:"groups,omitempty" toml:"groups,omitempty"` // Named security groups (config/groups.toml), checked by internal/acs SecurityExpressions
	CurrentMessageAreaID  int            `json:"current_message_area_id,omitempty" toml:"current_message_area_id,omitempty"`
	CurrentMessageAreaTag string         `json:"current_message_area_tag,omitempty" toml:"current_message_area_tag,omitempty"`
	LastReadMessageIDs    map[int]string `json:"last_read_message_ids,omitempty" toml:"last_read_message_ids,omitempty"` // Map AreaID -> Last Read Message UUID string

	// File System Related
	CurrentFileAreaID  int         `json:"current_file_area_id,omitempty" toml:"current_file_area_id,omitempty"`
	CurrentFileAreaTag string      `json:"current_file_area_tag,omitempty" toml:"current_file_area_tag,omitempty"`
	TaggedFileIDs      []uuid.UUID `json:"tagged_file_ids,omitempty" toml:"-"` // List of FileRecord IDs marked for batch download; excluded from TOML since they're session-scoped

	// Door/Game System Fields
	Location   string    `json:"location,omitempty" toml:"location,omitempty"`     // User's location (city/state)
	Credits    int       `json:"credits,omitempty" toml:"credits,omitempty"`       // Game/door credits
	TimeLeft   int       `json:"time_left,omitempty" toml:"-"`                     // Minutes left in current session; session-scoped, not persisted
	LastCall   time.Time `json:"last_call,omitempty" toml:"last_call,omitempty"`   // Last call date (different from login)
	TimesOn    int       `json:"times_on,omitempty" toml:"times_on,omitempty"`     // Total times online (different from calls)
	PageLength int       `json:"page_length,omitempty" toml:"page_length,omitempty"` // Screen page length for doors

	DeletedUser bool       `json:"deletedUser,omitempty" toml:"deleted_user,omitempty"`
	DeletedAt   *time.Time `json:"deletedAt,omitempty" toml:"deleted_at,omitempty"`
}

// HasFlag checks if a user has a specific flag
func (u *User) HasFlag(flag string) bool {
	return strings.Contains(u.Flags, flag)
}

// InGroup reports whether the user is a member of the named security group.
// Matching is case-insensitive, consistent with HasFlag's treatment of flags.
func (u *User) InGroup(name string) bool {
	for _, g := range u.Groups {
		if strings.EqualFold(g, name) {
			return true
		}
	}
	return false
}

// CallRecord stores information about a single call session.
type CallRecord struct {
	UserID         int           `json:"userID"`
	Handle         string        `json:"handle"`
	GroupLocation  string        `json:"groupLocation,omitempty"`
	NodeID         int           `json:"nodeID"`
	ConnectTime    time.Time     `json:"connectTime"`
	DisconnectTime time.Time     `json:"disconnectTime"`
	Duration       time.Duration `json:"duration"`
	UploadedMB     float64       `json:"uploadedMB"`           // Placeholder for now
	DownloadedMB   float64       `json:"downloadedMB"`         // Placeholder for now
	Actions        string        `json:"actions"`              // Placeholder for now (e.g., "D,U,M")
	BaudRate       string        `json:"baudRate"`             // Static value for now
	CallNumber     uint64        `json:"callNumber,omitempty"` // Overall call number
}