package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"finnwatch-engine/internal/config"
	"finnwatch-engine/internal/geo"
	"finnwatch-engine/internal/notify"
	"finnwatch-engine/internal/pipeline"
	"finnwatch-engine/internal/scheduler"
	email_scrape "finnwatch-engine/internal/scrape/email"
	"finnwatch-engine/internal/secrets"
	"finnwatch-engine/internal/store"
)

func main() {
	_ = godotenv.Load()

	var (
		cfgPath  = flag.String("config", "", "path to config.yml (default: <data-dir>/config.yml, bootstrapped from config/config.yml)")
		dataDir  = flag.String("data-dir", "", "state directory (default: $FINNWATCH_DATA_DIR or .)")
		interval = flag.Duration("interval", 0, "re-run the batch on this interval; 0 runs once and exits")
		dryRun   = flag.Bool("dry-run", false, "log the results instead of sending the notification email")
		history  = flag.Int("history", 0, "print the last N run summaries and exit")
	)
	flag.Parse()

	dir := *dataDir
	if dir == "" {
		dir = os.Getenv("FINNWATCH_DATA_DIR")
	}
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Fatal(err)
	}

	path := *cfgPath
	if path == "" {
		var err error
		path, err = config.EnsureUserConfig(dir, filepath.Join("config", "config.yml"))
		if err != nil {
			log.Fatalf("config bootstrap failed: %v", err)
		}
	}

	raw, err := config.Load(path)
	if err != nil {
		log.Fatalf("config load failed (%s): %v", path, err)
	}
	cfg, res := config.NormalizeAndValidate(raw)
	for _, w := range res.Warnings {
		log.Printf("[config] warning: %s", w)
	}
	if !res.OK() {
		for _, e := range res.Errors {
			log.Printf("[config] error: %s", e)
		}
		log.Fatalf("config invalid (%s)", path)
	}
	if cfg.App.DataDir == "." {
		cfg.App.DataDir = dir
	}
	if err := os.MkdirAll(cfg.App.OutputDir, 0o755); err != nil {
		log.Fatal(err)
	}

	switch flag.Arg(0) {
	case "set-secret":
		if err := setSecret(cfg, flag.Arg(1)); err != nil {
			log.Fatal(err)
		}
		return
	case "delete-secret":
		if err := deleteSecret(cfg, flag.Arg(1)); err != nil {
			log.Fatal(err)
		}
		return
	}

	// one run at a time, also across -interval daemons
	lock := flock.New(filepath.Join(dir, "finnwatch.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		log.Fatalf("run lock: %v", err)
	}
	if !locked {
		log.Fatal("another instance holds the run lock, exiting")
	}
	defer func() { _ = lock.Unlock() }()

	db, err := store.Open(filepath.Join(dir, "finnwatch.db"))
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()
	if err := store.Migrate(db.Pool); err != nil {
		log.Fatal(err)
	}

	if *history > 0 {
		printHistory(db, *history)
		return
	}

	mapsKey, err := secrets.GetMapsAPIKey()
	if err != nil {
		log.Fatalf("maps: %v", err)
	}
	maps := geo.NewMapsClient(mapsKey)

	var mail pipeline.MailSource
	if cfg.Email.Username != "" {
		pw, err := secrets.GetIMAPPassword(secrets.IMAPKeyringAccount(cfg))
		if err != nil {
			log.Fatalf("imap: %v", err)
		}
		mail = &email_scrape.Fetcher{Cfg: cfg, Password: pw}
	} else {
		log.Printf("[email] no imap username configured, running on master lists only")
	}

	var notifier notify.Notifier = notify.LogNotifier{}
	if cfg.Notify.Enabled && !*dryRun {
		pw, err := secrets.GetSMTPPassword(secrets.SMTPKeyringAccount(cfg))
		if err != nil {
			log.Printf("[notify] %v, falling back to log output", err)
		} else {
			notifier = notify.NewSMTPNotifier(cfg.Notify.SMTPHost, cfg.Notify.SMTPPort, cfg.Notify.From, cfg.Notify.To, pw)
		}
	}

	runner := &pipeline.Runner{
		Cfg:      cfg,
		DB:       db,
		Geocoder: maps,
		Distance: maps,
		Mail:     mail,
		Notifier: notifier,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runOnce := func(ctx context.Context) error {
		start := time.Now()
		s, err := runner.RunOnce(ctx)
		if err != nil {
			return err
		}
		log.Printf("[run] %s done in %s: emails=%d extracted=%d new=%d unchanged=%d recomputed=%d ambiguous=%d",
			s.ID, time.Since(start).Round(time.Second),
			s.EmailsRead, s.Extracted, s.NewRecords, s.Unchanged, s.Recomputed, s.Ambiguous)
		return nil
	}

	if *interval <= 0 {
		if err := runOnce(ctx); err != nil {
			log.Fatalf("run failed: %v", err)
		}
		return
	}

	log.Printf("[run] daemon mode, running every %s", *interval)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		scheduler.Every(gctx, *interval, "run", runOnce)
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Fatalf("daemon: %v", err)
	}
}

func printHistory(db *store.DB, n int) {
	runs, err := store.RecentRuns(context.Background(), db.Pool, n)
	if err != nil {
		log.Fatalf("run history: %v", err)
	}
	if len(runs) == 0 {
		fmt.Println("no runs recorded yet")
		return
	}
	for _, s := range runs {
		fmt.Printf("%s  %s  emails=%d extracted=%d new=%d unchanged=%d recomputed=%d ambiguous=%d api=%d/%d/%d\n",
			s.StartedAt.Local().Format(time.RFC3339), s.ID,
			s.EmailsRead, s.Extracted, s.NewRecords, s.Unchanged, s.Recomputed, s.Ambiguous,
			s.GeocodeCalls, s.DistanceCalls, s.PlacesCalls)
	}
}

func setSecret(cfg config.Config, name string) error {
	fmt.Fprintf(os.Stderr, "enter %s secret: ", name)
	sc := bufio.NewScanner(os.Stdin)
	if !sc.Scan() {
		return errors.New("no input")
	}
	v := strings.TrimSpace(sc.Text())

	switch name {
	case "imap":
		return secrets.SetIMAPPassword(secrets.IMAPKeyringAccount(cfg), v)
	case "maps":
		return secrets.SetMapsAPIKey(v)
	case "smtp":
		return secrets.SetSMTPPassword(secrets.SMTPKeyringAccount(cfg), v)
	default:
		return fmt.Errorf("unknown secret %q (want imap, maps or smtp)", name)
	}
}

func deleteSecret(cfg config.Config, name string) error {
	switch name {
	case "imap":
		return secrets.DeleteIMAPPassword(secrets.IMAPKeyringAccount(cfg))
	default:
		return fmt.Errorf("only the imap secret supports deletion, got %q", name)
	}
}
