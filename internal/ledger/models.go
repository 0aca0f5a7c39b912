package ledger

// Status is the download record's position in the state machine of spec
// section 3.2. Stored as TEXT in the database, never as an integer, so the
// schema stays human-readable under sqlite3 CLI inspection.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// legalTransitions enumerates the only allowed Status -> Status edges.
var legalTransitions = map[Status]map[Status]bool{
	StatusPending:    {StatusInProgress: true, StatusCancelled: true, StatusFailed: true},
	StatusInProgress: {StatusPaused: true, StatusCompleted: true, StatusFailed: true, StatusCancelled: true},
	StatusPaused:     {StatusInProgress: true, StatusCancelled: true},
	StatusFailed:     {StatusInProgress: true},
}

// CanTransition reports whether moving from -> to is a legal edge in the
// state machine, or a no-op update that doesn't change status at all.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	return legalTransitions[from][to]
}

// IsTerminal reports whether status has no outgoing transitions.
func IsTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Record is the central entity of section 3.1, persisted by the Ledger and
// mirrored in memory by the Transfer Engine. Trimmed from the teacher's
// DownloadTask of UI-only fields (QueueOrder, Domain, StartTime, Headers,
// Cookies) that belong to the wall-clock scheduling and segmented-download
// features this core excludes.
type Record struct {
	ID               string  `gorm:"primaryKey" json:"id"`
	Filename         string  `gorm:"not null" json:"filename"`
	URL              string  `gorm:"not null" json:"url"`
	SavePath         string  `gorm:"not null;uniqueIndex" json:"save_path"`
	FileSize         *int64  `json:"file_size,omitempty"`
	DownloadedBytes  int64   `gorm:"not null;default:0" json:"downloaded_bytes"`
	Status           Status  `gorm:"not null;index:idx_status" json:"status"`
	MimeType         string  `json:"mime_type,omitempty"`
	Checksum         string  `json:"checksum,omitempty"`
	ErrorMessage     string  `json:"error_message,omitempty"`
	Priority         int     `gorm:"default:1" json:"priority"` // 0=Low, 1=Normal, 2=High
	UserConfirmed    bool    `gorm:"default:false" json:"user_confirmed"`
	CreatedAt        string  `gorm:"not null;index:idx_created_at" json:"created_at"`
	UpdatedAt        string  `gorm:"not null" json:"updated_at"`
	CompletedAt      *string `json:"completed_at,omitempty"`
}

// TableName matches spec section 4.B's schema name.
func (Record) TableName() string {
	return "downloads"
}

// AppSetting is a generic key-value row backing internal/config's persisted
// settings, grounded on the teacher's ConfigManager/AppSetting table.
type AppSetting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

func (AppSetting) TableName() string {
	return "app_settings"
}
