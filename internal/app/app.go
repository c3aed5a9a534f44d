package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"cgm-ingest/internal/alerting"
	"cgm-ingest/internal/config"
	"cgm-ingest/internal/docstore"
	"cgm-ingest/internal/ingest"
	"cgm-ingest/internal/inrange"
	"cgm-ingest/internal/librelink"
	"cgm-ingest/internal/reading"
	"cgm-ingest/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// libreSource adapts the LibreLinkUp client to the orchestrator's Source.
type libreSource struct {
	client *librelink.Client
}

func (s libreSource) Login(ctx context.Context) (ingest.Session, error) {
	sess, err := s.client.Login(ctx)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// dumpSource serves one saved set of responses as if it were a login.
type dumpSource struct {
	session *librelink.DumpSession
}

func (s dumpSource) Login(context.Context) (ingest.Session, error) {
	return s.session, nil
}

func (a *App) newSource() ingest.Source {
	cfg := a.Config.LibreLink
	client := librelink.NewClient(librelink.Options{
		BaseURL:   cfg.BaseURL,
		Email:     cfg.Email,
		Password:  cfg.Password,
		Version:   cfg.Version,
		Product:   cfg.Product,
		PatientID: cfg.PatientID,
		Timeout:   cfg.RequestTimeout,
	}, a.Logger)
	return libreSource{client: client}
}

func (a *App) newNormalizer() (*reading.Normalizer, error) {
	loc, err := time.LoadLocation(a.Config.LibreLink.Timezone)
	if err != nil {
		return nil, fmt.Errorf("librelink.timezone: %w", err)
	}
	unit, err := reading.ParseUnit(a.Config.LibreLink.Unit)
	if err != nil {
		return nil, fmt.Errorf("librelink.unit: %w", err)
	}
	return reading.NewNormalizer(loc, unit), nil
}

func (a *App) bounds() (inrange.Bounds, error) {
	unit, err := reading.ParseUnit(a.Config.Range.Unit)
	if err != nil {
		return inrange.Bounds{}, fmt.Errorf("range.unit: %w", err)
	}
	b := inrange.Bounds{
		Low:  decimal.NewFromFloat(a.Config.Range.Low),
		High: decimal.NewFromFloat(a.Config.Range.High),
		Unit: unit,
	}
	return b, b.Validate()
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return alerting.NewLogNotifier(a.Logger)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	store, err := storage.Open(ctx, a.Config.Database, a.Logger)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

func (a *App) openDocStore(ctx context.Context) (*docstore.Store, func(), error) {
	if a.Config.Redis.Addr == "" {
		return nil, nil, nil
	}

	cfg := a.Config.Redis
	store := docstore.NewStore(docstore.NewClient(cfg.Addr, cfg.Password, cfg.DB), cfg.KeyPrefix, a.Logger)
	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	closer := func() {
		if err := store.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("close redis client")
		}
	}
	return store, closer, nil
}

// resources holds the stores opened for one command.
type resources struct {
	pg      *storage.Store
	docs    *docstore.Store
	closers []func()
}

func (r *resources) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// openSinks opens every store named in ingest.sinks.
func (a *App) openSinks(ctx context.Context) ([]ingest.Sink, *resources, error) {
	res := &resources{}
	var sinks []ingest.Sink

	if a.Config.HasSink(config.SinkPostgres) {
		store, closer, err := a.openStore(ctx)
		if err != nil {
			res.Close()
			return nil, nil, err
		}
		if store == nil {
			res.Close()
			return nil, nil, errors.New("ingest.sinks includes postgres but database.dsn is not configured")
		}
		res.pg = store
		res.closers = append(res.closers, closer)
		sinks = append(sinks, ingest.Sink{Name: config.SinkPostgres, Writer: store})
	}

	if a.Config.HasSink(config.SinkRedis) {
		store, closer, err := a.openDocStore(ctx)
		if err != nil {
			res.Close()
			return nil, nil, err
		}
		if store == nil {
			res.Close()
			return nil, nil, errors.New("ingest.sinks includes redis but redis.addr is not configured")
		}
		res.docs = store
		res.closers = append(res.closers, closer)
		sinks = append(sinks, ingest.Sink{Name: config.SinkRedis, Writer: store})
	}

	if len(sinks) == 0 {
		a.Logger.Warn().Msg("no ingest sinks configured; readings will not be persisted")
	}
	return sinks, res, nil
}

func (a *App) newService(source ingest.Source, sinks []ingest.Sink, res *resources) (*ingest.Service, error) {
	normalizer, err := a.newNormalizer()
	if err != nil {
		return nil, err
	}
	bounds, err := a.bounds()
	if err != nil {
		return nil, err
	}

	opts := ingest.Options{
		Bounds: bounds,
		Window: a.Config.Range.Window,
	}
	if a.Config.Alerting.Enabled {
		opts.TargetPct = decimal.NewFromFloat(a.Config.Alerting.TargetPct)
		opts.Alerts = alerting.NewThrottle(a.newNotifier(), a.Config.Alerting.Cooldown)
	}
	if res != nil && res.pg != nil {
		opts.Locker = res.pg
		opts.LockKey = a.Config.Ingest.AdvisoryLockKey
	}
	return ingest.New(source, normalizer, sinks, opts, a.Logger), nil
}

// ReportOptions hold parameters for rendering stored readings.
type ReportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// ExportOptions override the export section of the configuration.
type ExportOptions struct {
	Source     string
	Target     string
	StateFile  string
	OutputFile string
	PageSize   int
}

// ImportOptions name saved LibreLinkUp responses to ingest.
type ImportOptions struct {
	GraphFile   string
	LogbookFile string
}
