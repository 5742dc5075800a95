package joinqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/8g6ghfrgj/whatsapp-telegram-bot/internal/store"
)

// Report summarises one enqueue call. Total counts every candidate
// link that was considered, including rejected and duplicate ones.
type Report struct {
	Total      int
	Added      int
	Duplicates int
	Errors     int
}

func (r Report) String() string {
	return fmt.Sprintf("total=%d added=%d duplicates=%d errors=%d",
		r.Total, r.Added, r.Duplicates, r.Errors)
}

// Enqueue validates each link and inserts the valid ones as pending
// requests for the account. Invalid links count as errors, links
// already queued for the same account count as duplicates; neither
// aborts the rest of the batch.
func Enqueue(ctx context.Context, st store.Store, accountID int64, links []string) (Report, error) {
	var rep Report
	for _, link := range links {
		link = strings.TrimSpace(link)
		if link == "" {
			continue
		}
		rep.Total++
		if !ValidLink(link) {
			rep.Errors++
			continue
		}
		if _, err := st.InsertPending(ctx, accountID, link); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				rep.Duplicates++
				continue
			}
			return rep, fmt.Errorf("enqueue %q: %w", link, err)
		}
		rep.Added++
	}
	if rep.Added > 0 {
		if err := st.UpsertCounter(ctx, accountID, store.Today(), store.CounterLinksCollected, rep.Added); err != nil {
			return rep, fmt.Errorf("record collected links: %w", err)
		}
	}
	return rep, nil
}

// EnqueueText extracts links from free text and enqueues them.
func EnqueueText(ctx context.Context, st store.Store, accountID int64, text string) (Report, error) {
	return Enqueue(ctx, st, accountID, ExtractLinks(text))
}
