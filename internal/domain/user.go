package domain

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// UserAccount is the read-only view of an account owned by the profile service
type UserAccount struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// UserDirectory resolves account identity and display fields.
type UserDirectory interface {
	Exists(ctx context.Context, userID string) (bool, error)
	LookupMany(ctx context.Context, userIDs []string) (map[string]UserAccount, error)
}

// NormalizeUserID returns the canonical form of an account key, or false when
// id is not a UUID.
func NormalizeUserID(id string) (string, bool) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return "", false
	}
	return parsed.String(), true
}

// demoNamespace scopes the deterministic IDs handed to demo players
var demoNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://mathgame.local/demo-players"))

// DemoAccounts returns n accounts with stable IDs, so a load generator and a
// freshly seeded server agree on who exists.
func DemoAccounts(n int) []UserAccount {
	accounts := make([]UserAccount, 0, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("player%04d", i+1)
		accounts = append(accounts, UserAccount{
			ID:       uuid.NewSHA1(demoNamespace, []byte(name)).String(),
			Username: name,
		})
	}
	return accounts
}
