// Package conflict reconciles server-confirmed plant records with the
// optimistic local copies the cache already holds.
//
// The server is authoritative for identity, coordinates and the image URL.
// The local copy is authoritative for annotations, which the server does not
// persist, and for CreatedAt, which orders the collection.
package conflict

import (
	"github.com/kimhsiao/fieldmap/backend/internal/logging"
	"github.com/kimhsiao/fieldmap/backend/internal/models"
)

// Merge combines a server record with its local precursor. Explicit
// annotations (from the upload request) win over the precursor's.
// local may be nil.
func Merge(local *models.PlantRecord, server models.PlantRecord, annotations models.Annotations) models.PlantRecord {
	merged := server
	merged.SyncState = models.SyncStateSynced
	merged.LastError = ""
	merged.Annotations = annotations

	if local == nil {
		return merged
	}

	if local.ID != server.ID {
		merged.ProvisionalID = local.ID
	} else {
		merged.ProvisionalID = local.ProvisionalID
	}
	if !local.CreatedAt.IsZero() {
		merged.CreatedAt = local.CreatedAt
	}
	if merged.Annotations.IsZero() {
		merged.Annotations = local.Annotations
	}
	if merged.ImageName == "" {
		merged.ImageName = local.ImageName
	}
	if merged.UserKey == "" {
		merged.UserKey = local.UserKey
	}
	return merged
}

// Diff is the outcome of comparing the local collection with a server listing.
type Diff struct {
	// New records exist on the server but not locally.
	New []models.PlantRecord
	// Changed records exist on both sides with different server-owned fields,
	// already merged with the local copy.
	Changed []models.PlantRecord
	// Unchanged counts records identical on both sides.
	Unchanged int
}

// DiffByIdentity compares by identity rather than by count, so a deletion
// and an addition in the same interval are not mistaken for no change.
// Records missing from the server listing are ignored: a listing may be
// partial, and local records are never removed by reconciliation.
func DiffByIdentity(local, remote []models.PlantRecord) Diff {
	byID := make(map[string]*models.PlantRecord, len(local))
	for i := range local {
		byID[local[i].ID] = &local[i]
	}

	var d Diff
	for _, r := range remote {
		if r.ID == "" {
			continue
		}
		l, ok := byID[r.ID]
		if !ok {
			d.New = append(d.New, Merge(nil, r, models.Annotations{}))
			continue
		}
		if serverFieldsEqual(l, &r) {
			d.Unchanged++
			continue
		}
		d.Changed = append(d.Changed, Merge(l, r, l.Annotations))
	}

	if len(d.New) > 0 || len(d.Changed) > 0 {
		logging.Debug("Reconciliation diff", map[string]interface{}{
			"new":       len(d.New),
			"changed":   len(d.Changed),
			"unchanged": d.Unchanged,
		})
	}
	return d
}

// Rebase builds the collection after a full refresh: the server listing,
// each record merged with any local copy, plus every local record that
// has not reached the server yet.
func Rebase(local, remote []models.PlantRecord) []models.PlantRecord {
	byID := make(map[string]*models.PlantRecord, len(local))
	for i := range local {
		byID[local[i].ID] = &local[i]
	}

	out := make([]models.PlantRecord, 0, len(remote)+len(local))
	seen := make(map[string]bool, len(remote))
	for _, r := range remote {
		if r.ID == "" || seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		if l, ok := byID[r.ID]; ok {
			out = append(out, Merge(l, r, l.Annotations))
		} else {
			out = append(out, Merge(nil, r, models.Annotations{}))
		}
	}

	for _, l := range local {
		if seen[l.ID] || l.SyncState == models.SyncStateSynced {
			continue
		}
		out = append(out, l)
	}
	return out
}

func serverFieldsEqual(a, b *models.PlantRecord) bool {
	return a.ImageURL == b.ImageURL &&
		a.Latitude == b.Latitude &&
		a.Longitude == b.Longitude &&
		a.SyncState == models.SyncStateSynced
}
