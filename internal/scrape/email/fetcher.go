package email_scrape

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"strings"

	"github.com/emersion/go-imap/v2"

	"finnwatch-engine/internal/config"
)

// Fetcher pulls alert emails from the configured IMAP mailbox. One dial,
// one fetch, one logout per run.
type Fetcher struct {
	Cfg      config.Config
	Password string
	TLS      *tls.Config
}

func (f *Fetcher) FetchAlerts(ctx context.Context) ([]EmailMessage, error) {
	host := f.Cfg.Email.IMAPHost
	port := f.Cfg.Email.IMAPPort
	if port <= 0 {
		port = 993
	}
	addr := fmt.Sprintf("%s:%d", host, port)

	tlsCfg := f.TLS
	if tlsCfg == nil && strings.EqualFold(host, "imap.gmail.com") {
		tlsCfg = GmailTLSConfig()
	}

	c, err := DialAndLoginIMAP(ctx, addr, f.Cfg.Email.Username, f.Password, tlsCfg)
	if err != nil {
		return nil, err
	}
	defer LogoutAndClose(c)

	if err := SelectMailbox(c, f.Cfg.Email.Mailbox); err != nil {
		return nil, err
	}

	msgs, err := FetchSince(ctx, c, f.Cfg.Email.DaysBack, f.Cfg.Email.MaxMessages)
	if err != nil {
		return nil, err
	}

	uids := make([]imap.UID, 0, len(msgs))
	for _, m := range msgs {
		uids = append(uids, m.UID)
	}
	if err := MarkSeen(c, uids); err != nil {
		// mailbox hygiene only; the ledger decides what gets reprocessed
		log.Printf("[email] mark seen: %v", err)
	}

	log.Printf("[email] fetched %d messages from %s (last %d days)",
		len(msgs), f.Cfg.Email.Mailbox, f.Cfg.Email.DaysBack)
	return msgs, nil
}
