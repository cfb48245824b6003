package domain

import (
	"time"
)

// Transport kinds recorded on subscriber sessions.
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

// SubscriberSession is the audit record of one downstream connection
type SubscriberSession struct {
	ID             string     `gorm:"primaryKey" json:"id"`
	Port           int        `gorm:"index" json:"port"`
	Feature        string     `json:"feature"`
	Transport      string     `json:"transport"`
	RemoteAddr     string     `json:"remote_addr"`
	ConnectedAt    time.Time  `json:"connected_at"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
	Reason         string     `json:"reason,omitempty"` // why the hub dropped it
}

// ProducerSession is the audit record of one upstream connection
type ProducerSession struct {
	ID             string     `gorm:"primaryKey" json:"id"`
	Feed           string     `gorm:"index" json:"feed"`
	Addr           string     `json:"addr"`
	ConnectedAt    time.Time  `json:"connected_at"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
	Messages       uint64     `json:"messages"`
	Truncated      uint64     `json:"truncated"`
}
