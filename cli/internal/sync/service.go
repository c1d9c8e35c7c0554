package sync

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/kardianos/service"
	"go.uber.org/zap"

	"github.com/NeuralForge6000/goop-utilities/internal/config"
	"github.com/NeuralForge6000/goop-utilities/internal/ledger"
	"github.com/NeuralForge6000/goop-utilities/internal/logger"
)

// ServiceName is the name the background sync registers under
const ServiceName = "goop-sync"

// Result describes one sync pass
type Result struct {
	Pending  int
	Inserted int64
	DryRun   bool
}

// Once pushes the ledger events the server does not have yet
func Once(ctx context.Context, client *Client, l ledger.Ledger, dryRun bool) (Result, error) {
	log := logger.FromContext(ctx)

	var since *time.Time
	status, err := client.Status(ctx)
	if err != nil {
		log.Warn("could not get sync status, sending all events", zap.Error(err))
	} else {
		since = status.LastEventAt
	}

	pending := Pending(slices.Collect(l.Events(ctx)), since)
	res := Result{Pending: len(pending), DryRun: dryRun}
	if len(pending) == 0 || dryRun {
		return res, nil
	}

	res.Inserted, err = client.Sync(ctx, pending)
	return res, err
}

// Runner implements service.Interface for background syncing
type Runner struct {
	cfg      *config.Config
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
	log      service.Logger
}

// NewRunner creates a background runner syncing every interval
func NewRunner(cfg *config.Config, interval time.Duration) *Runner {
	return &Runner{cfg: cfg, interval: interval}
}

// SetLogger sets the system logger used while running as a service
func (r *Runner) SetLogger(l service.Logger) {
	r.log = l
}

// Start implements service.Interface
func (r *Runner) Start(service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(ctx)
	return nil
}

// Stop implements service.Interface
func (r *Runner) Stop(service.Service) error {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
	return nil
}

func (r *Runner) run(ctx context.Context) {
	defer close(r.done)

	client, err := NewClient(r.cfg.Sync)
	if err != nil {
		r.errorf("%v", err)
		return
	}

	l, err := ledger.New(r.cfg.Ledger)
	if err != nil {
		r.errorf("failed to open ledger: %v", err)
		return
	}
	defer func() { _ = l.Close() }()

	r.syncOnce(ctx, client, l)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.syncOnce(ctx, client, l)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Runner) syncOnce(ctx context.Context, client *Client, l ledger.Ledger) {
	res, err := Once(ctx, client, l, false)
	if err != nil {
		r.errorf("error syncing: %v", err)
		return
	}
	if res.Inserted > 0 && r.log != nil {
		_ = r.log.Infof("synced %d events", res.Inserted)
	}
}

func (r *Runner) errorf(format string, args ...any) {
	if r.log != nil {
		_ = r.log.Errorf(format, args...)
		return
	}
	zap.L().Error(fmt.Sprintf(format, args...))
}

// NewService wraps the runner as a system service. The service re-invokes
// the CLI with "sync run".
func NewService(r *Runner, configPath string) (service.Service, error) {
	args := []string{"sync", "run", fmt.Sprintf("--interval=%s", r.interval)}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}

	return service.New(r, &service.Config{
		Name:        ServiceName,
		DisplayName: "goop Sync Service",
		Description: "Pushes goop usage ledger events to a goop-server",
		Arguments:   args,
	})
}
