package feed2mobi

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
)

// Mailer hands a compiled periodical off to the delivery transport. A nil
// error means the transport accepted the document; read state is only
// flipped on that signal.
type Mailer interface {
	Send(to, subject, attachmentPath string) error
}

// CommandMailer composes a MIME message with the periodical attached and
// pipes it to a local transport command such as sendmail -t.
type CommandMailer struct {
	From    string
	Command []string
}

func (m *CommandMailer) Send(to, subject, attachmentPath string) error {
	if len(m.Command) == 0 {
		return fmt.Errorf("no mail command configured")
	}
	msg, err := m.compose(to, subject, attachmentPath)
	if err != nil {
		return err
	}
	cmd := exec.Command(m.Command[0], m.Command[1:]...)
	cmd.Stdin = bytes.NewReader(msg.Bytes())
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", m.Command[0], err, bytes.TrimSpace(out))
	}
	return nil
}

func (m *CommandMailer) compose(to, subject, attachmentPath string) (*bytes.Buffer, error) {
	var b bytes.Buffer

	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{{Name: "feed2mobi", Address: m.From}})
	h.SetAddressList("To", []*mail.Address{{Address: to}})
	h.SetSubject(subject)
	h.Set("Message-Id", "<"+uuid.New().String()+"@feed2mobi>")

	mw, err := mail.CreateWriter(&b, h)
	if err != nil {
		return nil, err
	}
	defer mw.Close()

	var ah mail.AttachmentHeader
	ah.SetContentType("application/x-mobipocket-ebook", nil)
	ah.SetFilename(filepath.Base(attachmentPath))

	aw, err := mw.CreateAttachment(ah)
	if err != nil {
		return nil, err
	}
	defer aw.Close()

	data, err := os.ReadFile(attachmentPath)
	if err != nil {
		return nil, err
	}
	if _, err := aw.Write(data); err != nil {
		return nil, err
	}
	return &b, nil
}
