package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/service/media"
	"github.com/ifuryst/crosspost/pkg/util"
)

var errEmptyMessage = errors.New("publication has neither text nor media")

// delivery sends one publication. Only the first message of a delivery notifies
// subscribers; everything after it is sent silently.
type delivery struct {
	ctx     context.Context
	bot     botAPI
	to      tele.Recipient
	media   media.Store
	limiter *rate.Limiter

	sent    int
	firstID int
}

// composeText joins title and body as plain text.
func composeText(title, body string) string {
	title, body = strings.TrimSpace(title), strings.TrimSpace(body)
	switch {
	case title == "":
		return body
	case body == "":
		return title
	default:
		return title + "\n\n" + body
	}
}

// visualBatches groups photos and videos into albums of at most albumLimit items.
func visualBatches(files []models.MediaFile) [][]models.MediaFile {
	var batches [][]models.MediaFile
	for start := 0; start < len(files); start += albumLimit {
		end := start + albumLimit
		if end > len(files) {
			end = len(files)
		}
		batches = append(batches, files[start:end])
	}
	return batches
}

func (d *delivery) run(pub *models.Publication) error {
	text := composeText(pub.Title, pub.Body)

	var visual, documents []models.MediaFile
	for _, f := range pub.Media {
		switch {
		case f.IsVisual():
			visual = append(visual, f)
		case f.Kind == models.MediaKindDocument:
			documents = append(documents, f)
		}
	}

	if len(visual) == 0 && len(documents) == 0 {
		if text == "" {
			return errEmptyMessage
		}
		return d.sendText(text)
	}

	caption := ""
	if util.RuneLen(text) <= captionLimit {
		caption = text
	}

	for _, batch := range visualBatches(visual) {
		if err := d.sendVisual(batch, caption); err != nil {
			return err
		}
		caption = ""
	}
	for _, doc := range documents {
		if err := d.sendDocument(doc, caption); err != nil {
			return err
		}
		caption = ""
	}

	if util.RuneLen(text) > captionLimit {
		return d.sendText(text)
	}
	return nil
}

func (d *delivery) sendText(text string) error {
	for _, chunk := range util.SplitText(text, textLimit) {
		if err := d.wait(); err != nil {
			return err
		}
		msg, err := d.bot.Send(d.to, chunk, d.options())
		if err != nil {
			return err
		}
		d.record(msg)
	}
	return nil
}

func (d *delivery) sendVisual(batch []models.MediaFile, caption string) error {
	if err := d.wait(); err != nil {
		return err
	}

	if len(batch) == 1 {
		rc, err := d.open(batch[0])
		if err != nil {
			return err
		}
		defer rc.Close()

		msg, err := d.bot.Send(d.to, inputFor(batch[0], rc, caption), d.options())
		if err != nil {
			return err
		}
		d.record(msg)
		return nil
	}

	album := make(tele.Album, 0, len(batch))
	for i, f := range batch {
		rc, err := d.open(f)
		if err != nil {
			return err
		}
		defer rc.Close()

		itemCaption := ""
		if i == 0 {
			itemCaption = caption
		}
		album = append(album, inputFor(f, rc, itemCaption))
	}

	msgs, err := d.bot.SendAlbum(d.to, album, d.options())
	if err != nil {
		return err
	}
	for i := range msgs {
		d.record(&msgs[i])
	}
	if len(msgs) == 0 {
		d.record(nil)
	}
	return nil
}

func (d *delivery) sendDocument(f models.MediaFile, caption string) error {
	if err := d.wait(); err != nil {
		return err
	}
	rc, err := d.open(f)
	if err != nil {
		return err
	}
	defer rc.Close()

	msg, err := d.bot.Send(d.to, inputFor(f, rc, caption), d.options())
	if err != nil {
		return err
	}
	d.record(msg)
	return nil
}

func inputFor(f models.MediaFile, r io.Reader, caption string) tele.Inputtable {
	file := tele.FromReader(r)
	switch f.Kind {
	case models.MediaKindImage:
		return &tele.Photo{File: file, Caption: caption}
	case models.MediaKindVideo:
		return &tele.Video{File: file, Caption: caption, FileName: f.FileName}
	default:
		return &tele.Document{File: file, Caption: caption, FileName: f.FileName}
	}
}

func (d *delivery) open(f models.MediaFile) (io.ReadCloser, error) {
	if err := d.ctx.Err(); err != nil {
		return nil, err
	}
	rc, err := d.media.Open(d.ctx, f.FileID)
	if err != nil {
		return nil, fmt.Errorf("open media %s: %w", f.FileID, err)
	}
	return rc, nil
}

func (d *delivery) options() *tele.SendOptions {
	return &tele.SendOptions{DisableNotification: d.sent > 0}
}

// wait applies the per-platform rate limit and stops between sends once ctx is done.
func (d *delivery) wait() error {
	if err := d.ctx.Err(); err != nil {
		return err
	}
	return d.limiter.Wait(d.ctx)
}

func (d *delivery) record(msg *tele.Message) {
	if d.sent == 0 && msg != nil {
		d.firstID = msg.ID
	}
	d.sent++
}
