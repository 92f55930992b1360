// Package source defines the messaging source the ingestion pipeline reads.
package source

import (
	"context"
	"iter"
	"time"
)

// MediaKind tags the payload a message carries.
type MediaKind int

const (
	MediaNone MediaKind = iota
	MediaPhoto
	MediaDocument
)

func (k MediaKind) String() string {
	switch k {
	case MediaPhoto:
		return "photo"
	case MediaDocument:
		return "document"
	default:
		return "none"
	}
}

// Label is the relative-path directory artifacts of this kind are stored under.
func (k MediaKind) Label() string {
	switch k {
	case MediaPhoto:
		return "photos"
	case MediaDocument:
		return "videos"
	default:
		return ""
	}
}

// Extension is the synthetic file extension for artifacts of this kind.
func (k MediaKind) Extension() string {
	switch k {
	case MediaPhoto:
		return ".photo"
	case MediaDocument:
		return ".video"
	default:
		return ""
	}
}

// Media describes a message payload. Kind is decided once when the message
// is read; Ref is an opaque handle the source uses to download it.
type Media struct {
	Kind     MediaKind
	Ref      string
	MimeType string
}

// Message is one channel post. Pointer fields are nullable.
type Message struct {
	ID        int64
	SenderID  int64
	Text      string
	Date      time.Time
	Author    *string
	Views     *int64
	ChannelID int64
	Media     Media
}

// HasText reports whether the message carries at least minLen runes of text.
func (m Message) HasText(minLen int) bool {
	return len([]rune(m.Text)) > minLen
}

// Source is a scoped connection to a messaging service.
type Source interface {
	// Connect opens the session. Close must be called once Connect succeeds.
	Connect(ctx context.Context) error
	Close() error
	// Messages yields the channel history once, in the order the service
	// returns it. Iteration stops after the first non-nil error.
	Messages(ctx context.Context, channel string) iter.Seq2[Message, error]
	// Download writes the media of msg to dest and returns the written path.
	Download(ctx context.Context, msg Message, dest string) (string, error)
}
