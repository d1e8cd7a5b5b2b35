package notify

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/mail"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traffic-eye/internal/config"
)

func TestBuildMIMEStructure(t *testing.T) {
	msg := Message{
		Subject:  "Traffic Violation Report: Riding Without Helmet [abcd1234]",
		TextBody: "TRAFFIC VIOLATION REPORT",
		HTMLBody: "<h1>TRAFFIC VIOLATION REPORT</h1>",
		Attachments: []Attachment{
			{Name: "evidence_00.jpg", ContentType: "image/jpeg", Data: bytes.Repeat([]byte{0xff, 0xd8}, 100)},
		},
	}

	raw, err := BuildMIME("eye@example.in", []string{"police@example.in", "ops@example.in"}, msg, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	parsed, err := mail.ReadMessage(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "police@example.in, ops@example.in", parsed.Header.Get("To"))

	dec := new(mime.WordDecoder)
	subject, err := dec.DecodeHeader(parsed.Header.Get("Subject"))
	require.NoError(t, err)
	assert.Equal(t, msg.Subject, subject)

	mediaType, params, err := mime.ParseMediaType(parsed.Header.Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "multipart/mixed", mediaType)

	mr := multipart.NewReader(parsed.Body, params["boundary"])

	first, err := mr.NextPart()
	require.NoError(t, err)
	altType, _, err := mime.ParseMediaType(first.Header.Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "multipart/alternative", altType)

	second, err := mr.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "evidence_00.jpg", second.FileName())
	assert.Equal(t, "image/jpeg", second.Header.Get("Content-Type"))

	_, err = mr.NextPart()
	assert.ErrorIs(t, err, io.EOF)
}

func TestWriteBase64WrapsLines(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeBase64(&buf, bytes.Repeat([]byte("a"), 200)))
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\r\n") {
		assert.LessOrEqual(t, len(line), 76)
	}
}

func TestNewSMTPMailerRequiresConfig(t *testing.T) {
	_, err := NewSMTPMailer(config.SMTPConfig{Host: "smtp.example.in"}, zerolog.Nop())
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = NewSMTPMailer(config.SMTPConfig{Host: "smtp.example.in", Sender: "a@b.in", Recipients: []string{"c@d.in"}}, zerolog.Nop())
	assert.ErrorIs(t, err, ErrNotConfigured)

	m, err := NewSMTPMailer(config.SMTPConfig{Host: "smtp.example.in", Port: 587, Sender: "a@b.in", Password: "p", Recipients: []string{"c@d.in"}}, zerolog.Nop())
	require.NoError(t, err)
	assert.NotNil(t, m)
}

// fakeSMTPServer answers one session. dataReply is the reply to the end of DATA;
// when dropQuit is set the connection is closed instead of answering QUIT.
func fakeSMTPServer(t *testing.T, dataReply string, dropQuit bool) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		reply := func(s string) { _, _ = io.WriteString(conn, s+"\r\n") }

		reply("220 localhost ESMTP")
		inData := false
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			if inData {
				if line == "." {
					inData = false
					reply(dataReply)
				}
				continue
			}
			switch cmd := strings.ToUpper(strings.SplitN(line, " ", 2)[0]); cmd {
			case "EHLO", "HELO":
				reply("250 localhost")
			case "MAIL", "RCPT":
				reply("250 OK")
			case "DATA":
				inData = true
				reply("354 go ahead")
			case "QUIT":
				if dropQuit {
					return
				}
				reply("221 bye")
				return
			default:
				reply("502 unknown")
			}
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func testMailer(t *testing.T, host string, port int) *SMTPMailer {
	t.Helper()
	m, err := NewSMTPMailer(config.SMTPConfig{
		Host:       host,
		Port:       port,
		Sender:     "eye@traffic.in",
		Password:   "secret",
		Recipients: []string{"police@traffic.in"},
	}, zerolog.Nop())
	require.NoError(t, err)
	return m
}

func TestSMTPMailerSend(t *testing.T) {
	cases := []struct {
		name      string
		dataReply string
		dropQuit  bool
		wantErr   bool
	}{
		{name: "accepted", dataReply: "250 queued"},
		{name: "accepted but quit dropped", dataReply: "250 queued", dropQuit: true},
		{name: "rejected", dataReply: "554 rejected", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			host, port := fakeSMTPServer(t, tc.dataReply, tc.dropQuit)
			m := testMailer(t, host, port)

			err := m.Send(context.Background(), Message{Subject: "Report", TextBody: "body"})
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}
