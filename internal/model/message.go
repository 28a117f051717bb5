// internal/model/message.go
package model

import "time"

type Direction string

const (
    Inbound  Direction = "inbound"
    Outbound Direction = "outbound"
)

// Message is one entry of a lead's conversation history.
type Message struct {
    LeadID    string    `db:"lead_id" json:"lead_id"`
    Direction Direction `db:"direction" json:"direction"`
    Timestamp time.Time `db:"sent_at" json:"timestamp"`
}
