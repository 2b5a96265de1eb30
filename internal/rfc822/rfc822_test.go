package rfc822

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.io/infrasutra/intramail/internal/store"
)

func sampleMessage() Message {
	return Message{
		ID:       "e-1",
		From:     Party{Name: "Sam", Email: "sam@corp.example"},
		To:       []Party{{Name: "Ada", Email: "ada@corp.example"}},
		Cc:       []Party{{Name: "Ben", Email: "ben@corp.example"}},
		Subject:  "Quarterly numbers",
		Body:     "Figures attached.",
		Priority: store.PriorityHigh,
		Date:     time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
	}
}

func TestWrite_PlainMessage(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sampleMessage()))

	reader, err := mail.CreateReader(&buf)
	require.NoError(t, err)
	subject, err := reader.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "Quarterly numbers", subject)
	assert.Equal(t, "1", reader.Header.Get("X-Priority"))

	cc, err := reader.Header.AddressList("Cc")
	require.NoError(t, err)
	require.Len(t, cc, 1)
	assert.Equal(t, "ben@corp.example", cc[0].Address)

	part, err := reader.NextPart()
	require.NoError(t, err)
	body, err := io.ReadAll(part.Body)
	require.NoError(t, err)
	assert.Equal(t, "Figures attached.", string(body))
}

func TestWrite_WithAttachment(t *testing.T) {
	msg := sampleMessage()
	msg.Attachments = []store.Attachment{{Filename: "q1.csv", ContentType: "text/csv", Data: []byte("a,b\n1,2\n")}}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, msg))

	reader, err := mail.CreateReader(&buf)
	require.NoError(t, err)

	var text string
	var filename string
	var data []byte
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		switch header := part.Header.(type) {
		case *mail.InlineHeader:
			body, err := io.ReadAll(part.Body)
			require.NoError(t, err)
			text = string(body)
		case *mail.AttachmentHeader:
			filename, _ = header.Filename()
			data, err = io.ReadAll(part.Body)
			require.NoError(t, err)
		}
	}
	assert.Equal(t, "Figures attached.", text)
	assert.Equal(t, "q1.csv", filename)
	assert.Equal(t, "a,b\n1,2\n", string(data))
}
