package db

import (
	"errors"
	"time"

	"github.com/agentmarket/paynet/pkg/payments"
)

var ErrAlreadyExists = errors.New("already exists")
var ErrNotFound = errors.New("not found")

const (
	channelPrefix   = "ch:"
	recipientPrefix = "ri:"
	archivePrefix   = "pa:"
	savedAtKey      = "__saved_at"
)

// Snapshot is the full persisted state of channel manager.
type Snapshot struct {
	Channels map[string]payments.ChannelRecord
	// Recipients maps recipient to ids of its channels, in creation order.
	Recipients map[string][]string
	SavedAt    time.Time
}

func NewSnapshot() *Snapshot {
	return &Snapshot{
		Channels:   map[string]payments.ChannelRecord{},
		Recipients: map[string][]string{},
	}
}
