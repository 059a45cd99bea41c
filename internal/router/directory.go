package router

import (
	"sync"

	"github.com/ashureev/supportchat/internal/domain"
)

// Directory is the staff console's session list and selection.
type Directory struct {
	mu       sync.RWMutex
	past     bool
	sessions []domain.Session
	selected *domain.Session
}

// Set replaces the listing. The selection is refreshed from the new listing
// when it still appears there.
func (d *Directory) Set(past bool, sessions []domain.Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.past = past
	d.sessions = append([]domain.Session(nil), sessions...)
	if d.selected == nil {
		return
	}
	for _, s := range d.sessions {
		if s.ID == d.selected.ID {
			sel := s
			d.selected = &sel
			return
		}
	}
}

// Sessions returns a copy of the listing and whether it shows past sessions.
func (d *Directory) Sessions() ([]domain.Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]domain.Session(nil), d.sessions...), d.past
}

// Lookup finds a listed session by id.
func (d *Directory) Lookup(id string) (domain.Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, s := range d.sessions {
		if s.ID == id {
			return s, true
		}
	}
	return domain.Session{}, false
}

// Select marks s as the open conversation.
func (d *Directory) Select(s domain.Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.selected = &s
}

// Selected returns the open conversation, if any.
func (d *Directory) Selected() (domain.Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.selected == nil {
		return domain.Session{}, false
	}
	return *d.selected, true
}

// SelectedID returns the open conversation's id, or "".
func (d *Directory) SelectedID() string {
	s, _ := d.Selected()
	return s.ID
}
