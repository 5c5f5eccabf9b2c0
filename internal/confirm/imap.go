package confirm

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// IMAP reads a mailbox read-only. Nothing is flagged or moved.
type IMAP struct {
	Host     string
	Port     int
	Username string
	Password string
	Mailbox  string
	// Max caps messages fetched per search, newest first.
	Max int
	TLS *tls.Config
}

func (m IMAP) addr() string {
	return net.JoinHostPort(m.Host, strconv.Itoa(m.Port))
}

func (m IMAP) dial(ctx context.Context) (*imapclient.Client, func() bool, error) {
	if m.Host == "" {
		return nil, nil, errors.New("imap host is required")
	}
	if m.Username == "" || m.Password == "" {
		return nil, nil, errors.New("imap username/password is required")
	}
	tlsCfg := m.TLS
	if tlsCfg == nil {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12, ServerName: m.Host}
	}

	c, err := imapclient.DialTLS(m.addr(), &imapclient.Options{TLSConfig: tlsCfg})
	if err != nil {
		return nil, nil, fmt.Errorf("imap dial tls: %w", err)
	}

	// Best-effort close on context cancel.
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	if err := c.Login(m.Username, m.Password).Wait(); err != nil {
		stop()
		_ = c.Close()
		return nil, nil, fmt.Errorf("imap login: %w", err)
	}
	return c, stop, nil
}

func (m IMAP) Search(ctx context.Context, since time.Time) ([]Message, error) {
	c, stop, err := m.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		stop()
		_ = c.Logout().Wait()
		_ = c.Close()
	}()

	mailbox := m.Mailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if _, err := c.Select(mailbox, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		return nil, fmt.Errorf("imap select %s: %w", mailbox, err)
	}

	searchData, err := c.UIDSearch(&imap.SearchCriteria{Since: since}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap uid search: %w", err)
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	// newest first
	for i, j := 0, len(uids)-1; i < j; i, j = i+1, j-1 {
		uids[i], uids[j] = uids[j], uids[i]
	}
	limit := m.Max
	if limit <= 0 {
		limit = 200
	}
	if len(uids) > limit {
		uids = uids[:limit]
	}

	fetchCmd := c.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:          true,
		Envelope:     true,
		InternalDate: true,
	})
	defer func() { _ = fetchCmd.Close() }()

	out := make([]Message, 0, len(uids))
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msgData := fetchCmd.Next()
		if msgData == nil {
			break
		}
		buf, err := msgData.Collect()
		if err != nil {
			return nil, fmt.Errorf("imap fetch collect: %w", err)
		}
		out = append(out, toMessage(buf, m.Host))
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("imap fetch close: %w", err)
	}
	return out, nil
}

func toMessage(buf *imapclient.FetchMessageBuffer, host string) Message {
	msg := Message{Date: buf.InternalDate}
	if env := buf.Envelope; env != nil {
		msg.ID = env.MessageID
		msg.Subject = env.Subject
		msg.From = joinAddrs(env.From)
		if !env.Date.IsZero() {
			msg.Date = env.Date
		}
	}
	if msg.ID == "" {
		msg.ID = fmt.Sprintf("uid-%d@%s", buf.UID, host)
	}
	return msg
}

func joinAddrs(addrs []imap.Address) string {
	parts := make([]string, 0, len(addrs))
	for i := range addrs {
		a := &addrs[i]
		if name := strings.TrimSpace(a.Name); name != "" {
			parts = append(parts, name)
		}
		if addr := strings.TrimSpace(a.Addr()); addr != "" {
			parts = append(parts, addr)
		}
	}
	return strings.Join(parts, " ")
}
