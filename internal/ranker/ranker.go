// Package ranker orders a room's track queue. Rank is pure: identical
// inputs always produce the identical order, so callers can diff old and
// new id sequences to detect real reorders.
package ranker

import (
	"sort"

	"github.com/listening-room-system/pkg/models"
)

// Rank returns a new slice ordered by vote score descending, then
// submission time ascending (earlier submissions win ties), then id as a
// final deterministic tiebreak. The input is not modified.
func Rank(tracks []*models.Track) []*models.Track {
	ranked := make([]*models.Track, len(tracks))
	copy(ranked, tracks)

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.VoteScore != b.VoteScore {
			return a.VoteScore > b.VoteScore
		}
		if !a.SubmittedAt.Equal(b.SubmittedAt) {
			return a.SubmittedAt.Before(b.SubmittedAt)
		}
		return a.ID.String() < b.ID.String()
	})

	return ranked
}

// OrderChanged reports whether two id sequences differ. The coordinator
// uses it to suppress queue_reordered events for score-only changes that
// did not move any track.
func OrderChanged(before, after []*models.Track) bool {
	if len(before) != len(after) {
		return true
	}
	for i := range before {
		if before[i].ID != after[i].ID {
			return true
		}
	}
	return false
}

// Position returns the index of trackID in the ranked queue, or -1.
func Position(ranked []*models.Track, trackID string) int {
	for i, t := range ranked {
		if t.ID.String() == trackID {
			return i
		}
	}
	return -1
}

// NextAfter returns the track ranked immediately after trackID, or nil if
// trackID is last (or absent). Skip uses this to advance playback.
func NextAfter(ranked []*models.Track, trackID string) *models.Track {
	pos := Position(ranked, trackID)
	if pos < 0 || pos+1 >= len(ranked) {
		return nil
	}
	return ranked[pos+1]
}
