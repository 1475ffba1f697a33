package memstore

import (
	"context"
	"sync"

	"github.com/mathgame-leaderboard/internal/domain"
)

// Directory is an in-memory user directory
type Directory struct {
	mu    sync.RWMutex
	users map[string]domain.UserAccount
}

// NewDirectory creates a directory holding the given accounts
func NewDirectory(users ...domain.UserAccount) *Directory {
	d := &Directory{users: make(map[string]domain.UserAccount, len(users))}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

// Put adds or replaces an account
func (d *Directory) Put(u domain.UserAccount) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = u
}

// Remove deletes an account
func (d *Directory) Remove(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.users, userID)
}

// Exists reports whether the account is known
func (d *Directory) Exists(ctx context.Context, userID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.users[userID]
	return ok, nil
}

// LookupMany returns the known accounts among userIDs
func (d *Directory) LookupMany(ctx context.Context, userIDs []string) (map[string]domain.UserAccount, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]domain.UserAccount, len(userIDs))
	for _, id := range userIDs {
		if u, ok := d.users[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}
