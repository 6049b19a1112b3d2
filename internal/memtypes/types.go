package memtypes

import "time"

// Role of a message author inside a conversation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Sync status of a logged message. The tri-state drives the segmentation
// state machine: recorded -> in-window -> consumed.
const (
	SyncRecorded int = -1 // persisted, not yet read by a worker
	SyncInWindow int = 0  // part of the current segmentation window
	SyncConsumed int = 1  // consumed by a promoted episode (terminal)
)

// PendingMessage is a raw inbound message awaiting segmentation. It is the
// unit stored in the request log and the conversation queue.
type PendingMessage struct {
	MessageID  string    `json:"message_id"`
	GroupID    string    `json:"group_id,omitempty"` // empty = private conversation
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name,omitempty"`
	Role       Role      `json:"role,omitempty"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
	ReferList  []string  `json:"refer_list,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	SyncStatus int       `json:"sync_status"`
}

// MemCell is a promoted episode: a topically coherent span of messages with
// an LLM-produced narrative and a single embedding computed when the episode
// text is finalized.
type MemCell struct {
	EventID        string           `json:"event_id"`
	GroupID        string           `json:"group_id,omitempty"`
	UserID         string           `json:"user_id,omitempty"` // empty for group episodes
	Participants   []string         `json:"participants"`
	Timestamp      time.Time        `json:"timestamp"` // time of the last message in the prefix
	Subject        string           `json:"subject"`
	Summary        string           `json:"summary"`
	Episode        string           `json:"episode"`
	OriginalData   []PendingMessage `json:"original_data"`
	Embedding      []float32        `json:"embedding,omitempty"`
	EmbeddingModel string           `json:"embedding_model,omitempty"`
	Type           string           `json:"type,omitempty"`
	Keywords       []string         `json:"keywords,omitempty"`
	LinkedEntities []string         `json:"linked_entities,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// AtomicEvent is a single self-contained factual clause derived from one
// MemCell. It is the unit of fine-grained retrieval.
type AtomicEvent struct {
	LogID         string    `json:"log_id"`
	ParentEventID string    `json:"parent_event_id"`
	UserID        string    `json:"user_id,omitempty"`
	GroupID       string    `json:"group_id,omitempty"`
	Participants  []string  `json:"participants,omitempty"`
	EventType     string    `json:"event_type,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	AtomicFact    string    `json:"atomic_fact"`
	Evidence      string    `json:"evidence,omitempty"`
	Embedding     []float32 `json:"embedding,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// SemanticMemory is a generalized, time-bounded proposition. A nil EndTime
// means the proposition is open-ended.
type SemanticMemory struct {
	MemoryID      string     `json:"memory_id"`
	ParentEventID string     `json:"parent_event_id"`
	UserID        string     `json:"user_id,omitempty"`
	GroupID       string     `json:"group_id,omitempty"`
	Content       string     `json:"content"`
	Evidence      string     `json:"evidence,omitempty"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	DurationDays  int        `json:"duration_days,omitempty"`
	Embedding     []float32  `json:"embedding,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// ProfileTrait is one observed value within a trait category, with the
// episode quotes that support it.
type ProfileTrait struct {
	Value     string   `json:"value"`
	Evidences []string `json:"evidences,omitempty"`
}

// Profile is a versioned per-user summary scoped to a group. Exactly one row
// per (user_id, group_id) has IsLatest set; versions chain as "v001+v002+...".
type Profile struct {
	UserID    string                    `json:"user_id"`
	GroupID   string                    `json:"group_id"`
	Version   string                    `json:"version"`
	IsLatest  bool                      `json:"is_latest"`
	Payload   map[string][]ProfileTrait `json:"payload"`
	CreatedAt time.Time                 `json:"created_at"`
}

// ProfileDelta is a single trait update emitted by the memory extractor.
// Deltas accumulate until the cluster manager triggers a profile rebuild.
type ProfileDelta struct {
	UserID   string `json:"user_id"`
	Category string `json:"category"`
	Value    string `json:"value"`
	Evidence string `json:"evidence,omitempty"`
}

// ClusterInfo is the per-cluster running state.
type ClusterInfo struct {
	Centroid []float32 `json:"centroid"`
	Count    int       `json:"count"`
	LastTS   time.Time `json:"last_ts"`
}

// ClusterState is the whole clustering state of one group. It is read,
// modified, and written back as a unit by the single worker assigned to the
// group.
type ClusterState struct {
	GroupID          string                 `json:"group_id"`
	EventIDs         []string               `json:"event_ids"`
	Clusters         map[string]ClusterInfo `json:"clusters"`
	EventToCluster   map[string]string      `json:"event_to_cluster"`
	NextClusterIndex int                    `json:"next_cluster_index"`
	FailedEmbeddings int                    `json:"failed_embeddings"`
}

// NewClusterState returns an empty state for a group.
func NewClusterState(groupID string) *ClusterState {
	return &ClusterState{
		GroupID:        groupID,
		Clusters:       map[string]ClusterInfo{},
		EventToCluster: map[string]string{},
	}
}

// Scene describes the conversation style a group was registered with.
type Scene string

const (
	SceneAssistant Scene = "assistant"
	SceneCompanion Scene = "companion"
)

// UserDetail is the per-member metadata carried by ConversationMeta.
type UserDetail struct {
	FullName string            `json:"full_name,omitempty"`
	Role     string            `json:"role,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// ConversationMeta is the per-group registration record. The free-form Extra
// maps are stored opaquely and never inspected by the core.
type ConversationMeta struct {
	GroupID         string                `json:"group_id"`
	GroupName       string                `json:"group_name,omitempty"`
	Scene           Scene                 `json:"scene,omitempty"`
	UserDetails     map[string]UserDetail `json:"user_details,omitempty"`
	Tags            []string              `json:"tags,omitempty"`
	DefaultTimezone string                `json:"default_timezone,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

// ConversationStatus holds the per-group ingest watermarks.
type ConversationStatus struct {
	GroupID         string    `json:"group_id"`
	OldMsgStartTime time.Time `json:"old_msg_start_time"` // earliest unconsumed message
	NewMsgStartTime time.Time `json:"new_msg_start_time"` // cursor for the next window
	LastMemCellTime time.Time `json:"last_memcell_time"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// DataSource names the retrievable collections.
type DataSource string

const (
	SourceEpisode        DataSource = "episode"
	SourceEventLog       DataSource = "event_log"
	SourceSemanticMemory DataSource = "semantic_memory"
)

// Valid reports whether s names a known data source.
func (s DataSource) Valid() bool {
	switch s {
	case SourceEpisode, SourceEventLog, SourceSemanticMemory:
		return true
	}
	return false
}
