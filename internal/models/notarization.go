package models

import "time"

// NotarizationTopic mirrors a remote append-only topic. One topic exists per
// project; the registry enforces that uniqueness.
type NotarizationTopic struct {
	ID            string     `json:"id" db:"id"`
	ProjectID     string     `json:"project_id" db:"project_id"`
	TopicRef      string     `json:"topic_ref" db:"topic_ref"`
	CreationTxRef string     `json:"creation_tx_ref,omitempty" db:"creation_tx_ref"`
	MessageCount  int64      `json:"message_count" db:"message_count"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty" db:"last_message_at"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
}

// Notarization message types published to a topic
const (
	MessageTypeValidation   = "PROJECT_VALIDATION"
	MessageTypeFundMovement = "FUND_MOVEMENT"
	MessageTypeOther        = "OTHER"
)

// NotarizationMessage is the local mirror of one remote message. Sequence
// numbers are assigned by the remote log; the registry never fabricates or
// renumbers them.
type NotarizationMessage struct {
	ID                 string                 `json:"id" db:"id"`
	TopicID            string                 `json:"topic_id" db:"topic_id"`
	SequenceNumber     int64                  `json:"sequence_number" db:"sequence_number"`
	ConsensusTimestamp time.Time              `json:"consensus_timestamp" db:"consensus_timestamp"`
	MessageType        string                 `json:"message_type" db:"message_type"`
	Content            map[string]interface{} `json:"content" db:"content"`
	TxRef              string                 `json:"tx_ref,omitempty" db:"tx_ref"`
	CreatedAt          time.Time              `json:"created_at" db:"created_at"`
}
