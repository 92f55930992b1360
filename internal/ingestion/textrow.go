package ingestion

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/chanscrape/chanscrape/internal/source"
)

// TextRow is one entry of the per-run text table.
type TextRow struct {
	SenderID  int64     `json:"sender_id"`
	Text      string    `json:"text"`
	Date      time.Time `json:"date"`
	MessageID int64     `json:"message_id"`
	Author    *string   `json:"author"`
	Views     *int64    `json:"views"`
	ChannelID int64     `json:"channel_id"`
}

func textRow(msg source.Message) TextRow {
	return TextRow{
		SenderID:  msg.SenderID,
		Text:      msg.Text,
		Date:      msg.Date,
		MessageID: msg.ID,
		Author:    msg.Author,
		Views:     msg.Views,
		ChannelID: msg.ChannelID,
	}
}

var textHeader = []string{"sender_id", "text", "date", "message_id", "author", "views", "channel_id"}

// WriteTextCSV writes rows with a header line. Null authors and view counts
// are written as empty fields.
func WriteTextCSV(w io.Writer, rows []TextRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(textHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range rows {
		var author, views string
		if r.Author != nil {
			author = *r.Author
		}
		if r.Views != nil {
			views = strconv.FormatInt(*r.Views, 10)
		}
		record := []string{
			strconv.FormatInt(r.SenderID, 10),
			r.Text,
			r.Date.UTC().Format(time.RFC3339),
			strconv.FormatInt(r.MessageID, 10),
			author,
			views,
			strconv.FormatInt(r.ChannelID, 10),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write csv row %d: %w", r.MessageID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
