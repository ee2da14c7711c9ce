package sync

import (
	"fmt"
	"time"
)

// SyncWindow bounds a query by updated and created dates. Empty bounds are open.
// Bounds are passed to the helpdesk as given, start > end is not rejected.
type SyncWindow struct {
	UpdatedStart string `json:"updatedStart,omitempty"`
	UpdatedEnd   string `json:"updatedEnd,omitempty"`
	CreatedStart string `json:"createdStart,omitempty"`
	CreatedEnd   string `json:"createdEnd,omitempty"`
}

// DefaultTicketWindow is updated from -UpdatedStartDays to +UpdatedEndDays and
// created from -CreatedStartMonths to +CreatedEndDays around now.
func DefaultTicketWindow(now time.Time, s WindowSettings) SyncWindow {
	return SyncWindow{
		UpdatedStart: now.AddDate(0, 0, -s.UpdatedStartDays).Format(SearchDateFormat),
		UpdatedEnd:   now.AddDate(0, 0, s.UpdatedEndDays).Format(SearchDateFormat),
		CreatedStart: now.AddDate(0, -s.CreatedStartMonths, 0).Format(SearchDateFormat),
		CreatedEnd:   now.AddDate(0, 0, s.CreatedEndDays).Format(SearchDateFormat),
	}
}

// DefaultConfigWindow covers reference data updated from -UpdatedStartDays to +ConfigUpdatedEndDays.
func DefaultConfigWindow(now time.Time, s WindowSettings) SyncWindow {
	return SyncWindow{
		UpdatedStart: now.AddDate(0, 0, -s.UpdatedStartDays).Format(SearchDateFormat),
		UpdatedEnd:   now.AddDate(0, 0, s.ConfigUpdatedEndDays).Format(SearchDateFormat),
	}
}

// Merge returns w with every non-empty bound of override applied.
func (w SyncWindow) Merge(override SyncWindow) SyncWindow {
	if override.UpdatedStart != "" {
		w.UpdatedStart = override.UpdatedStart
	}
	if override.UpdatedEnd != "" {
		w.UpdatedEnd = override.UpdatedEnd
	}
	if override.CreatedStart != "" {
		w.CreatedStart = override.CreatedStart
	}
	if override.CreatedEnd != "" {
		w.CreatedEnd = override.CreatedEnd
	}
	return w
}

// ContainsUpdated reports whether t falls in [UpdatedStart, UpdatedEnd).
func (w SyncWindow) ContainsUpdated(t time.Time) (bool, error) {
	if w.UpdatedStart != "" {
		start, err := ParseWindowTime(w.UpdatedStart)
		if err != nil {
			return false, err
		}
		if t.Before(start) {
			return false, nil
		}
	}
	if w.UpdatedEnd != "" {
		end, err := ParseWindowTime(w.UpdatedEnd)
		if err != nil {
			return false, err
		}
		if !t.Before(end) {
			return false, nil
		}
	}
	return true, nil
}

// ParseWindowTime accepts RFC3339 timestamps and YYYY-MM-DD dates (midnight UTC).
func ParseWindowTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(SearchDateFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid window time %q", s)
	}
	return t, nil
}
