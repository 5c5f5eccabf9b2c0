package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"jobapply-engine/internal/config"
	"jobapply-engine/internal/confirm"
	"jobapply-engine/internal/events"
	"jobapply-engine/internal/ledger"
	"jobapply-engine/internal/logger"
	"jobapply-engine/internal/metrics"
	"jobapply-engine/internal/orchestrator"
	"jobapply-engine/internal/portal"
	"jobapply-engine/internal/portal/greenhouse"
	"jobapply-engine/internal/portal/lever"
	"jobapply-engine/internal/portal/smartrecruiters"
	"jobapply-engine/internal/secrets"
)

const userAgent = "jobapply-engine/1.0"

// engine holds the long-lived pieces; runners and scanners are rebuilt from
// the current config each time.
type engine struct {
	cfgVal  *atomic.Value // stores config.Config
	store   *ledger.SQLite
	writer  *ledger.Writer
	hub     *events.Hub
	metrics *metrics.Manager
	log     logger.Logger
}

func buildRegistry(cfg config.Config) (*portal.Registry, error) {
	reg := portal.NewRegistry()
	for _, p := range cfg.EnabledPortals() {
		switch p.Type {
		case config.PortalGreenhouse:
			reg.Register(greenhouse.New(greenhouse.Config{
				ID:        p.ID,
				APIBase:   p.APIBase,
				BoardBase: p.BoardBase,
				Companies: p.Companies,
				Applicant: cfg.Applicant,
				Timeout:   p.Timeout.Std(),
				UserAgent: userAgent,
			}))
		case config.PortalLever:
			reg.Register(lever.New(lever.Config{
				ID:        p.ID,
				APIBase:   p.APIBase,
				JobsBase:  p.BoardBase,
				Companies: p.Companies,
				Applicant: cfg.Applicant,
				Timeout:   p.Timeout.Std(),
				UserAgent: userAgent,
			}))
		case config.PortalSmartRecruiters:
			reg.Register(smartrecruiters.New(smartrecruiters.Config{
				ID:        p.ID,
				APIBase:   p.APIBase,
				JobsBase:  p.BoardBase,
				Companies: p.Companies,
				Applicant: cfg.Applicant,
				Timeout:   p.Timeout.Std(),
				UserAgent: userAgent,
			}))
		default:
			return nil, fmt.Errorf("portal %s: unsupported type %q", p.ID, p.Type)
		}
	}
	return reg, nil
}

// plan builds a runner and request from the current config.
func (e *engine) plan() (*orchestrator.Runner, orchestrator.Request, error) {
	cfg := e.cfgVal.Load().(config.Config)
	reg, err := buildRegistry(cfg)
	if err != nil {
		return nil, orchestrator.Request{}, fmt.Errorf("%w: %w", orchestrator.ErrConfiguration, err)
	}
	r := orchestrator.NewRunner(orchestrator.Config{
		ConcurrencyLimit:   cfg.Engine.ConcurrencyLimit,
		PerPortalRateLimit: cfg.Engine.PerPortalRateLimit.Std(),
		HaltOnBlock:        cfg.Engine.HaltOnBlock,
		Inspect:            cfg.Retry.Inspect.Controller(),
		Submit:             cfg.Retry.Submit.Controller(),
	}, reg, e.writer,
		orchestrator.WithLogger(e.log.Named("orchestrator")),
		orchestrator.WithMetrics(e.metrics),
		orchestrator.WithEvents(e.hub))
	return r, orchestrator.Request{Criteria: cfg.Search.Criteria(), Policy: cfg.Policy}, nil
}

// scanConfirmations is a no-op unless confirm.enabled is set.
func (e *engine) scanConfirmations(ctx context.Context) error {
	cfg := e.cfgVal.Load().(config.Config)
	c := cfg.Confirm
	if !c.Enabled {
		return nil
	}
	pw, err := secrets.GetIMAPPassword(secrets.IMAPKeyringAccount(c))
	if err != nil {
		return err
	}
	mb := confirm.IMAP{
		Host:     c.IMAPHost,
		Port:     c.IMAPPort,
		Username: c.Username,
		Password: pw,
		Mailbox:  c.Mailbox,
	}
	sc := confirm.NewScanner(e.store, mb, c.SubjectAny, time.Duration(c.LookbackDays)*24*time.Hour,
		confirm.WithLogger(e.log.Named("confirm")),
		confirm.WithEvents(e.hub))

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	_, err = sc.Scan(ctx)
	return err
}

func (e *engine) afterRun(ctx context.Context, sum orchestrator.Summary) {
	if sum.Submitted == 0 {
		return
	}
	if err := e.scanConfirmations(ctx); err != nil {
		e.log.Warn(ctx, "confirmation scan after run failed", logger.Error(err))
	}
}
