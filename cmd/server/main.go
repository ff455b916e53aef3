// Command server is the mail-blast control plane: the operator API, the job
// controller with its scheduler and sender pool, and the accounting tailer
// that reconciles MTA outcomes back onto live jobs.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/pmta-blast/internal/acct"
	"github.com/ignite/pmta-blast/internal/api"
	"github.com/ignite/pmta-blast/internal/config"
	"github.com/ignite/pmta-blast/internal/job"
	"github.com/ignite/pmta-blast/internal/monitor"
	"github.com/ignite/pmta-blast/internal/outcome"
	"github.com/ignite/pmta-blast/internal/pkg/logger"
	"github.com/ignite/pmta-blast/internal/preflight"
	"github.com/ignite/pmta-blast/internal/pressure"
	"github.com/ignite/pmta-blast/internal/reconcile"
	"github.com/ignite/pmta-blast/internal/scheduler"
	"github.com/ignite/pmta-blast/internal/sender"
	"github.com/ignite/pmta-blast/internal/store"
	"github.com/ignite/pmta-blast/internal/suppression"
	"github.com/ignite/pmta-blast/internal/tailer"
)

const registryFlushInterval = time.Minute

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if os.Getenv("LOG_DEBUG") != "" {
		logger.SetLevel(logger.DEBUG)
	}

	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conf := config.NewStore(db)
	if err := conf.Load(ctx); err != nil {
		log.Fatalf("load config overrides: %v", err)
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Printf("[Server] redis unreachable, campaign guards degrade to local: %v", err)
			rdb = nil
		}
		pingCancel()
	}

	mon := &monitor.Client{
		Host:          cfg.Monitor.Host,
		Port:          cfg.Monitor.Port,
		APIKey:        cfg.Monitor.APIKey,
		InsecureRetry: cfg.Monitor.InsecureRetry || conf.Bool("monitor_insecure_retry"),
		PlainHTTP:     cfg.Monitor.PlainHTTP,
		Timeout:       cfg.Monitor.Timeout(),
	}
	if cfg.Monitor.Host == "" {
		mon = nil
		log.Printf("[Server] no monitor configured, pressure runs on outcome signals only")
	}
	press := pressure.New(mon)

	scorer := buildScorer(cfg.Spam)
	dnsbl := &preflight.Checker{
		RBLZones: cfg.DNSBL.RBLZones,
		DBLZones: cfg.DNSBL.DBLZones,
	}

	suppress := suppression.NewSet(loadBaseList())
	if rows, err := db.LoadSuppressions(ctx); err != nil {
		log.Printf("[Server] load suppressions: %v", err)
	} else {
		suppress.AddAll(rows)
		log.Printf("[Server] suppression set primed with %d stored addresses", len(rows))
	}

	outcomes := outcome.NewStore()
	registry := outcome.NewRegistry()

	jobs := &job.Controller{
		Store:    db,
		Outcomes: outcomes,
		Registry: registry,
		Redis:    rdb,
		DB:       db.DB(),
		Driver:   db.Driver(),
		Kill: job.KillRules{
			MinSample:         conf.Int("kill_min_sample"),
			MaxHardBounceRate: conf.Float("kill_bounce_rate"),
			MaxComplaintsRate: conf.Float("kill_complaint_rate"),
		},
	}
	jobs.Run = func(runCtx context.Context, j *job.Job, content job.Content, recipients []string) {
		snap := j.Snapshot()
		dialer := sender.NewDialer(sender.SMTPConfig{
			Host:     snap.SMTPHost,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			Mode:     sender.SecurityMode(cfg.SMTP.Security),
			HeloName: cfg.SMTP.HELOName,
		})
		gate := &preflight.Gate{
			Scorer:         scorer,
			DNSBL:          dnsbl,
			Pressure:       press,
			BackoffEnabled: conf.Bool("backoff_enabled"),
			RBLBlocks:      conf.Bool("rbl_blocks"),
		}
		sched := &scheduler.Scheduler{
			JobID:       j.ID(),
			CampaignID:  j.CampaignID(),
			SMTPHost:    snap.SMTPHost,
			Job:         j,
			Config:      &liveConfig{conf: conf, cfg: cfg, content: content, spamThreshold: snap.SpamThreshold},
			Pressure:    press,
			Gate:        gate,
			Pool:        &sender.Pool{Dialer: dialer, Suppress: suppress},
			BackoffBase: time.Duration(conf.Int("backoff_base_s")) * time.Second,
			BackoffCap:  time.Duration(conf.Int("backoff_cap_s")) * time.Second,
			MaxAttempts: conf.Int("max_chunk_attempts"),
		}
		sched.Run(runCtx, recipients)
	}

	if err := jobs.Restore(ctx); err != nil {
		log.Fatalf("restore jobs: %v", err)
	}
	restoreOutcomeState(ctx, db, jobs, outcomes, registry)

	rec := reconcile.New(outcomes, registry, jobs)
	rec.Persist = func(jobID, recipient string, status outcome.Status) {
		saveCtx, saveCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer saveCancel()
		if err := db.SaveOutcome(saveCtx, jobID, recipient, status); err != nil {
			log.Printf("[Server] persist outcome: %v", err)
		}
	}

	if src := buildSource(cfg.Bridge); src != nil {
		poller := &tailer.Poller{
			Source:   src,
			Cursors:  db,
			Handle:   rec.Process,
			Kind:     cfg.Bridge.Kind,
			Interval: cfg.Bridge.Interval(),
		}
		go poller.Run(ctx)
	} else {
		log.Printf("[Server] no accounting feed configured, outcomes will not reconcile")
	}

	go flushRegistryLoop(ctx, db, jobs, registry)

	srv := &api.Server{
		Jobs:        jobs,
		Store:       db,
		Conf:        conf,
		Suppress:    suppress,
		Monitor:     mon,
		SMTP:        cfg.SMTP,
		UnsubSecret: cfg.Unsub.Secret,
	}
	addr := net.JoinHostPort(cfg.Server.GetHost(), strconv.Itoa(cfg.Server.Port))
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr, "driver", db.Driver())
		errCh <- srv.ListenAndServe(addr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Printf("[Server] %s received, shutting down", sig)
	case err := <-errCh:
		log.Fatalf("serve: %v", err)
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Server] shutdown: %v", err)
	}
	flushRegistry(shutdownCtx, db, jobs, registry)
}

// liveConfig builds the scheduler's per-iteration snapshot from the layered
// store, so operator config changes apply at the next chunk without a
// restart.
type liveConfig struct {
	conf          *config.Store
	cfg           *config.Config
	content       job.Content
	spamThreshold float64
}

func (p *liveConfig) Snapshot() scheduler.Snapshot {
	return scheduler.Snapshot{
		ChunkSize:     p.conf.Int("chunk_size"),
		Workers:       p.conf.Int("thread_workers"),
		DelayS:        p.conf.Float("send_delay"),
		SleepChunks:   p.conf.Float("sleep_between_chunks"),
		SpamThreshold: p.spamThreshold,

		Senders:  p.content.Senders,
		Subjects: p.content.Subjects,
		Bodies:   p.content.Bodies,
		URLPool:  p.content.URLPool,
		SrcPool:  p.content.SrcPool,

		Format:       p.content.Format,
		ReplyTo:      p.content.ReplyTo,
		UnsubBaseURL: p.cfg.Unsub.BaseURL,
		UnsubSecret:  p.cfg.Unsub.Secret,
		MsgIDHost:    msgIDHost(p.cfg),
	}
}

func msgIDHost(cfg *config.Config) string {
	if cfg.SMTP.HELOName != "" {
		return cfg.SMTP.HELOName
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "localhost"
}

func buildScorer(cfg config.SpamConfig) preflight.Scorer {
	switch cfg.Mode {
	case "spamd":
		return &preflight.SpamdScorer{Addr: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)}
	case "command":
		return &preflight.CommandScorer{Command: cfg.Command}
	case "static":
		return &preflight.StaticScorer{Fixed: cfg.Static}
	default:
		return nil
	}
}

func buildSource(cfg config.BridgeConfig) tailer.Source {
	parser := acct.NewParser()
	if cfg.URL != "" {
		return &tailer.BridgeClient{
			BaseURL:  cfg.URL,
			Token:    cfg.Token,
			Kind:     cfg.Kind,
			MaxLines: cfg.MaxLines,
			Parser:   parser,
		}
	}
	if cfg.AcctDir != "" {
		return &tailer.FileSource{
			Tailer: &tailer.FileTailer{Dir: cfg.AcctDir, Glob: cfg.AcctGlob, Primer: parser},
			Parser: parser,
		}
	}
	return nil
}

// loadBaseList reads the optional immutable suppression file. Absence is the
// normal case for fresh deployments.
func loadBaseList() *suppression.List {
	path := os.Getenv("SUPPRESSION_FILE")
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		log.Printf("[Server] suppression file: %v", err)
		return nil
	}
	defer f.Close()
	list, err := suppression.LoadList(f)
	if err != nil {
		log.Printf("[Server] suppression file: %v", err)
		return nil
	}
	log.Printf("[Server] suppression base list loaded entries=%d", list.Len())
	return list
}

// restoreOutcomeState rebuilds the in-memory outcome store and registry from
// SQL for every persisted job, so reconciliation after a restart is
// idempotent against what was already counted.
func restoreOutcomeState(ctx context.Context, db *store.Store, jobs *job.Controller, outcomes *outcome.Store, registry *outcome.Registry) {
	for _, snap := range jobs.List() {
		rows, err := db.LoadOutcomes(ctx, snap.ID)
		if err != nil {
			log.Printf("[Server] restore outcomes for %s: %v", snap.ID, err)
			continue
		}
		if len(rows) > 0 {
			outcomes.Restore(snap.ID, rows)
		}
	}
	entries, err := db.LoadRegistry(ctx)
	if err != nil {
		log.Printf("[Server] restore registry: %v", err)
		return
	}
	registry.RestoreEntries(entries)
	log.Printf("[Server] restored %d registry entries", len(entries))
}

// flushRegistryLoop persists the send-time recipient index on a timer.
// Active jobs flush every tick; a terminal job gets one final flush and is
// then left alone.
func flushRegistryLoop(ctx context.Context, db *store.Store, jobs *job.Controller, registry *outcome.Registry) {
	ticker := time.NewTicker(registryFlushInterval)
	defer ticker.Stop()
	settled := map[string]bool{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, snap := range jobs.List() {
				if snap.Status.Active() {
					flushJobRegistry(ctx, db, registry, snap.ID)
					delete(settled, snap.ID)
					continue
				}
				if !settled[snap.ID] {
					flushJobRegistry(ctx, db, registry, snap.ID)
					settled[snap.ID] = true
				}
			}
		}
	}
}

// flushRegistry writes every job's registry entries once, used at shutdown.
func flushRegistry(ctx context.Context, db *store.Store, jobs *job.Controller, registry *outcome.Registry) {
	for _, snap := range jobs.List() {
		flushJobRegistry(ctx, db, registry, snap.ID)
	}
}

func flushJobRegistry(ctx context.Context, db *store.Store, registry *outcome.Registry, jobID string) {
	entries := registry.Entries(jobID)
	if len(entries) == 0 {
		return
	}
	if err := db.SaveRegistryEntries(ctx, entries); err != nil {
		log.Printf("[Server] flush registry for %s: %v", jobID, err)
	}
}
