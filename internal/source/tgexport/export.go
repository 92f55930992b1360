// Package tgexport reads channel history from a Telegram Desktop JSON export.
package tgexport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chanscrape/chanscrape/internal/logging"
	"github.com/chanscrape/chanscrape/internal/source"
)

var (
	// ErrChannelNotFound is returned when the export holds no matching chat.
	ErrChannelNotFound = errors.New("channel not found in export")
	// ErrInvalidChannel is returned for channel names that are not a single
	// name or id.
	ErrInvalidChannel = errors.New("invalid channel name")
)

const notIncludedPrefix = "(File not included"

// Source implements source.Source over an export directory. The directory
// holds either a result.json at its root or one <channel>/result.json per
// channel.
type Source struct {
	dir       string
	log       logging.Logger
	connected bool

	// media paths are relative to the result.json that referenced them
	roots map[int64]string
}

// Option configures a Source.
type Option func(*Source)

// WithLogger sets the logger used to report skipped messages.
func WithLogger(log logging.Logger) Option {
	return func(s *Source) { s.log = log }
}

// New creates a Source reading from dir.
func New(dir string, opts ...Option) *Source {
	s := &Source{dir: dir, log: logging.NewNop(), roots: make(map[int64]string)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Source) Connect(ctx context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return fmt.Errorf("open export %s: %w", s.dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("open export %s: not a directory", s.dir)
	}
	s.connected = true
	return nil
}

func (s *Source) Close() error {
	s.connected = false
	return nil
}

type exportChat struct {
	Name     string          `json:"name"`
	Type     string          `json:"type"`
	ID       int64           `json:"id"`
	Messages []exportMessage `json:"messages"`
}

type exportFile struct {
	exportChat
	Chats *struct {
		List []exportChat `json:"list"`
	} `json:"chats"`
}

type exportMessage struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	Date      string          `json:"date"`
	DateUnix  string          `json:"date_unixtime"`
	FromID    string          `json:"from_id"`
	Author    *string         `json:"author"`
	Views     *int64          `json:"views"`
	Text      json.RawMessage `json:"text"`
	Photo     string          `json:"photo"`
	File      string          `json:"file"`
	MimeType  string          `json:"mime_type"`
	MediaType string          `json:"media_type"`
}

func (s *Source) Messages(ctx context.Context, channel string) iter.Seq2[source.Message, error] {
	return func(yield func(source.Message, error) bool) {
		if !s.connected {
			yield(source.Message{}, errors.New("export source is not connected"))
			return
		}
		chat, root, err := s.load(channel)
		if err != nil {
			yield(source.Message{}, err)
			return
		}
		s.roots[chat.ID] = root

		for _, em := range chat.Messages {
			if err := ctx.Err(); err != nil {
				yield(source.Message{}, err)
				return
			}
			if em.Type != "" && em.Type != "message" {
				continue
			}
			msg, err := convert(chat.ID, em)
			if err != nil {
				s.log.Warn("skipping undecodable message",
					logging.Int64("message_id", em.ID),
					logging.String("channel", channel),
					logging.Error(err))
				continue
			}
			if !yield(msg, nil) {
				return
			}
		}
	}
}

func (s *Source) Download(ctx context.Context, msg source.Message, dest string) (string, error) {
	if msg.Media.Kind == source.MediaNone {
		return "", errors.New("message has no media")
	}
	ref := msg.Media.Ref
	if strings.HasPrefix(ref, notIncludedPrefix) {
		return "", errors.New("media file was not included in the export")
	}
	root, ok := s.roots[msg.ChannelID]
	if !ok {
		return "", fmt.Errorf("channel %d has not been read", msg.ChannelID)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	src := filepath.Join(root, filepath.FromSlash(ref))
	if rel, err := filepath.Rel(root, src); err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("media path %q escapes the export", ref)
	}

	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open media: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", dest, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return "", fmt.Errorf("copy media: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return dest, nil
}

// load finds the chat for channel, first in <dir>/<channel>/result.json,
// then by name or id in <dir>/result.json.
func (s *Source) load(channel string) (*exportChat, string, error) {
	name := channelName(channel)
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return nil, "", fmt.Errorf("%w: %q", ErrInvalidChannel, channel)
	}

	perChannel := filepath.Join(s.dir, name, "result.json")
	if _, err := os.Stat(perChannel); err == nil {
		f, err := readExport(perChannel)
		if err != nil {
			return nil, "", err
		}
		return &f.exportChat, filepath.Dir(perChannel), nil
	}

	f, err := readExport(filepath.Join(s.dir, "result.json"))
	if err != nil {
		return nil, "", err
	}
	chats := []exportChat{f.exportChat}
	if f.Chats != nil {
		chats = f.Chats.List
	}
	for i := range chats {
		if matches(chats[i], channel) {
			return &chats[i], s.dir, nil
		}
	}
	return nil, "", fmt.Errorf("%w: %s", ErrChannelNotFound, channel)
}

func readExport(path string) (*exportFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read export: %w", err)
	}
	var f exportFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse export %s: %w", path, err)
	}
	return &f, nil
}

// channelName strips the link and handle forms of a channel reference.
func channelName(channel string) string {
	return strings.TrimPrefix(strings.TrimPrefix(channel, "https://t.me/"), "@")
}

func matches(c exportChat, channel string) bool {
	channel = channelName(channel)
	if strings.EqualFold(c.Name, channel) {
		return true
	}
	id, err := strconv.ParseInt(channel, 10, 64)
	return err == nil && id == c.ID
}

func convert(chatID int64, em exportMessage) (source.Message, error) {
	text, err := flattenText(em.Text)
	if err != nil {
		return source.Message{}, err
	}
	date, err := parseDate(em.DateUnix, em.Date)
	if err != nil {
		return source.Message{}, err
	}

	msg := source.Message{
		ID:        em.ID,
		SenderID:  peerID(em.FromID),
		Text:      text,
		Date:      date,
		Author:    em.Author,
		Views:     em.Views,
		ChannelID: chatID,
	}
	switch {
	case em.Photo != "":
		msg.Media = source.Media{Kind: source.MediaPhoto, Ref: em.Photo, MimeType: "image/jpeg"}
	case em.File != "":
		msg.Media = source.Media{Kind: source.MediaDocument, Ref: em.File, MimeType: em.MimeType}
	}
	return msg, nil
}

// flattenText accepts either a plain string or the entity array form.
func flattenText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain, nil
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", fmt.Errorf("decode text: %w", err)
	}
	var b strings.Builder
	for _, p := range parts {
		var s string
		if err := json.Unmarshal(p, &s); err == nil {
			b.WriteString(s)
			continue
		}
		var entity struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(p, &entity); err != nil {
			return "", fmt.Errorf("decode text entity: %w", err)
		}
		b.WriteString(entity.Text)
	}
	return b.String(), nil
}

func parseDate(unix, local string) (time.Time, error) {
	if unix != "" {
		sec, err := strconv.ParseInt(unix, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse date_unixtime %q: %w", unix, err)
		}
		return time.Unix(sec, 0).UTC(), nil
	}
	t, err := time.Parse("2006-01-02T15:04:05", local)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", local, err)
	}
	return t, nil
}

// peerID turns "channel123" or "user42" into its numeric id.
func peerID(from string) int64 {
	digits := strings.TrimLeft(from, "abcdefghijklmnopqrstuvwxyz")
	id, _ := strconv.ParseInt(digits, 10, 64)
	return id
}
