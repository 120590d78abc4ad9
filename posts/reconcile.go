package posts

import (
	"context"

	"github.com/ocsync/ocsync/internal"
)

// RemoteEvent is one notification as reported by the remote service.
type RemoteEvent struct {
	EventID   string
	Subject   string
	Text      string
	URL       string
	ImageURL  string
	Timestamp string
}

// ReconcileStats counts the row changes applied by one reconcile pass.
type ReconcileStats struct {
	EventsStored  int
	EventsDeleted int
	Acknowledged  int
}

// deletePlan is the set of remote deletions owed for local tombstones.
// When every remote event is tombstoned, one delete-all call replaces the
// per-ID calls.
type deletePlan struct {
	all bool
	ids []string
}

// reconcile applies the remote notification list to the local cache in
// one transaction and returns the remote deletions to issue once the
// commit has succeeded. Must be called from the runner goroutine.
func (c *Cache) reconcile(ctx context.Context, account Account, remote []RemoteEvent) (stats ReconcileStats, plan deletePlan, err error) {
	err = c.withTx(ctx, func(ctx context.Context) error {
		local, err := c.events(ctx, account.ID, true)
		if err != nil {
			return err
		}
		localByID := make(map[string]Event, len(local))
		for _, e := range local {
			localByID[e.EventID] = e
		}
		remoteIDs := make(map[string]bool, len(remote))
		for _, r := range remote {
			remoteIDs[r.EventID] = true
		}

		// Local rows the service no longer reports, tombstoned or not,
		// are gone for good.
		for _, e := range local {
			if !remoteIDs[e.EventID] {
				if err := c.deleteEvent(ctx, e.Key()); err != nil {
					return err
				}
				stats.EventsDeleted++
			}
		}

		// Tombstones still present remotely owe the service a deletion.
		tombstoned := make(map[string]bool)
		for _, e := range local {
			if e.DeletedLocally && remoteIDs[e.EventID] {
				tombstoned[e.EventID] = true
				plan.ids = append(plan.ids, e.EventID)
			}
		}
		if len(remote) > 0 && len(tombstoned) == len(remoteIDs) {
			plan = deletePlan{all: true}
		}
		stats.Acknowledged = len(tombstoned)

		// With everything tombstoned there is nothing left to mirror.
		if plan.all {
			return nil
		}

		for _, r := range remote {
			if tombstoned[r.EventID] {
				continue
			}
			old, exists := localByID[r.EventID]
			stored := Event{
				AccountID: account.ID,
				EventID:   r.EventID,
				Subject:   r.Subject,
				Text:      r.Text,
				URL:       r.URL,
				ImageURL:  r.ImageURL,
				Timestamp: r.Timestamp,
			}
			if exists {
				if old.ImageURL == r.ImageURL {
					stored.ImagePath = old.ImagePath
				}
				if eventUnchanged(old, stored) {
					continue
				}
			}
			if err := c.storeEvent(ctx, stored); err != nil {
				return err
			}
			stats.EventsStored++
		}
		return nil
	})
	if err != nil {
		return ReconcileStats{}, deletePlan{}, err
	}

	internal.ReconcileChangesCounterVec.WithLabelValues(CacheName, "event", "store").Add(float64(stats.EventsStored))
	internal.ReconcileChangesCounterVec.WithLabelValues(CacheName, "event", "delete").Add(float64(stats.EventsDeleted))
	return stats, plan, nil
}

func eventUnchanged(old, new Event) bool {
	return old.Subject == new.Subject &&
		old.Text == new.Text &&
		old.URL == new.URL &&
		old.ImageURL == new.ImageURL &&
		old.Timestamp == new.Timestamp &&
		!old.DeletedLocally
}
