// Package rfc822 renders stored emails as RFC 5322 messages for download.
package rfc822

import (
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message/mail"

	"github.io/infrasutra/intramail/internal/store"
)

const hostname = "intramail.local"

type Party struct {
	Name  string
	Email string
}

type Message struct {
	ID          string
	From        Party
	To          []Party
	Cc          []Party
	Subject     string
	Body        string
	Priority    string
	Date        time.Time
	Attachments []store.Attachment
}

// Write encodes msg to w. Attachments must carry their data.
func Write(w io.Writer, msg Message) error {
	var header mail.Header
	header.SetDate(msg.Date)
	header.SetSubject(msg.Subject)
	header.SetAddressList("From", addresses([]Party{msg.From}))
	header.SetAddressList("To", addresses(msg.To))
	if len(msg.Cc) > 0 {
		header.SetAddressList("Cc", addresses(msg.Cc))
	}
	header.SetMessageID(fmt.Sprintf("%s@%s", msg.ID, hostname))
	switch msg.Priority {
	case store.PriorityHigh:
		header.Set("X-Priority", "1")
		header.Set("Importance", "high")
	case store.PriorityLow:
		header.Set("X-Priority", "5")
		header.Set("Importance", "low")
	}

	if len(msg.Attachments) == 0 {
		header.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		body, err := mail.CreateSingleInlineWriter(w, header)
		if err != nil {
			return fmt.Errorf("create message: %w", err)
		}
		if _, err := io.WriteString(body, msg.Body); err != nil {
			return fmt.Errorf("write body: %w", err)
		}
		return body.Close()
	}

	mw, err := mail.CreateWriter(w, header)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	inline, err := mw.CreateInline()
	if err != nil {
		return fmt.Errorf("create inline: %w", err)
	}
	var textHeader mail.InlineHeader
	textHeader.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	part, err := inline.CreatePart(textHeader)
	if err != nil {
		return fmt.Errorf("create text part: %w", err)
	}
	if _, err := io.WriteString(part, msg.Body); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	if err := part.Close(); err != nil {
		return fmt.Errorf("close text part: %w", err)
	}
	if err := inline.Close(); err != nil {
		return fmt.Errorf("close inline: %w", err)
	}

	for _, attachment := range msg.Attachments {
		var attachmentHeader mail.AttachmentHeader
		contentType := attachment.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		attachmentHeader.SetContentType(contentType, nil)
		attachmentHeader.SetFilename(attachment.Filename)
		aw, err := mw.CreateAttachment(attachmentHeader)
		if err != nil {
			return fmt.Errorf("create attachment: %w", err)
		}
		if _, err := aw.Write(attachment.Data); err != nil {
			return fmt.Errorf("write attachment: %w", err)
		}
		if err := aw.Close(); err != nil {
			return fmt.Errorf("close attachment: %w", err)
		}
	}
	return mw.Close()
}

func addresses(parties []Party) []*mail.Address {
	list := make([]*mail.Address, 0, len(parties))
	for _, party := range parties {
		list = append(list, &mail.Address{Name: party.Name, Address: party.Email})
	}
	return list
}
