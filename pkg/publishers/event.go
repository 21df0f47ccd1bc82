package publishers

import (
	"time"

	"github.com/pressroom-hq/account-harvester/internal/domain"
)

// Event represents the payload published downstream for one harvested article.
type Event struct {
	BatchToken  string         `json:"batch_token"`
	Platform    string         `json:"platform"`
	AccountName string         `json:"account_name"`
	Article     domain.Article `json:"article"`
	CollectedAt time.Time      `json:"collected_at"`
}

// NewEvent constructs an Event for the given batch + article.
func NewEvent(batchToken, platform string, article domain.Article) Event {
	return Event{
		BatchToken:  batchToken,
		Platform:    platform,
		AccountName: article.AccountName,
		Article:     article,
		CollectedAt: time.Now().UTC(),
	}
}
