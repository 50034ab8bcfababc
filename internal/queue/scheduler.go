package queue

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Promoter runs Manager.PromoteDue on a fixed interval, independent of
// whatever else is calling Dequeue. This bounds the gap between a
// scheduled request's due time and its eligibility even under an idle
// dispatcher.
type Promoter struct {
	cron *cron.Cron
	mgr  *Manager
	log  zerolog.Logger
}

// NewPromoter builds a Promoter that ticks every intervalMs milliseconds.
func NewPromoter(mgr *Manager, intervalMs int, log zerolog.Logger) *Promoter {
	c := cron.New(cron.WithSeconds())
	p := &Promoter{
		cron: c,
		mgr:  mgr,
		log:  log.With().Str("component", "queue.promoter").Logger(),
	}
	spec := fmt.Sprintf("@every %dms", intervalMs)
	if _, err := c.AddFunc(spec, p.tick); err != nil {
		// @every accepts any positive duration string; this only fails for
		// a malformed interval, which setDefaults/validate already rule out.
		p.log.Error().Err(err).Str("spec", spec).Msg("invalid promoter schedule")
	}
	return p
}

func (p *Promoter) tick() {
	p.mgr.PromoteDue()
}

// Start begins the promoter's background schedule.
func (p *Promoter) Start() { p.cron.Start() }

// Stop halts the promoter, waiting for any in-flight tick to finish.
func (p *Promoter) Stop() { <-p.cron.Stop().Done() }
