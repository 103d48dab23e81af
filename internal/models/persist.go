package models

import "time"

// SafetyState is the persisted circuit-breaker record. It survives process
// restarts so a halt is never silently cleared by a crash loop.
type SafetyState struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CircuitOpen         bool      `json:"circuit_open"`
	Reason              string    `json:"reason,omitempty"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
}

// Metrics is the persisted performance record, reloaded on startup so
// history survives restarts.
type Metrics struct {
	RealizedPnL      float64 `json:"realized_pnl"`
	CampaignsOpened  int     `json:"campaigns_opened"`
	CampaignsClosed  int     `json:"campaigns_closed"`
	TotalRolls       int     `json:"total_rolls"`
	RollsNewStrike   int     `json:"rolls_new_strike"`
	RollsSameStrike  int     `json:"rolls_same_strike"`
	Wins             int     `json:"wins"`
	Losses           int     `json:"losses"`
	BestCampaignPnL  float64 `json:"best_campaign_pnl"`
	WorstCampaignPnL float64 `json:"worst_campaign_pnl"`
	PeakPnL          float64 `json:"peak_pnl"`
	MaxDrawdown      float64 `json:"max_drawdown"`
}

// RecordCampaignClose folds a finished campaign's realized P&L into the
// running totals, including peak and drawdown tracking.
func (m *Metrics) RecordCampaignClose(pnl float64) {
	m.CampaignsClosed++
	m.RealizedPnL += pnl

	if pnl > 0 {
		m.Wins++
	} else {
		m.Losses++
	}
	if m.CampaignsClosed == 1 || pnl > m.BestCampaignPnL {
		m.BestCampaignPnL = pnl
	}
	if m.CampaignsClosed == 1 || pnl < m.WorstCampaignPnL {
		m.WorstCampaignPnL = pnl
	}
	if m.RealizedPnL > m.PeakPnL {
		m.PeakPnL = m.RealizedPnL
	}
	if dd := m.PeakPnL - m.RealizedPnL; dd > m.MaxDrawdown {
		m.MaxDrawdown = dd
	}
}

// RecordRoll counts one income-leg roll of the given direction.
func (m *Metrics) RecordRoll(rt RollType) {
	m.TotalRolls++
	switch rt {
	case RollTowardNewStrike:
		m.RollsNewStrike++
	case RollTowardSameStrike:
		m.RollsSameStrike++
	}
}

// WinRate returns the fraction of closed campaigns that were profitable.
func (m *Metrics) WinRate() float64 {
	if m.CampaignsClosed == 0 {
		return 0
	}
	return float64(m.Wins) / float64(m.CampaignsClosed)
}
