package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"supportdesk/server/chat/domain"
	commonauth "supportdesk/server/common/auth"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// accountNamespace derives stable user ids from account emails.
var accountNamespace = uuid.MustParse("6f1d3c2a-54b7-4f0e-9a41-2c8e7d5b9f10")

type Account struct {
	ID        string
	Email     string
	FirstName string
	LastName  string
	Role      string
	hash      []byte
}

func (a Account) UserInfo() domain.UserInfo {
	return domain.UserInfo{ID: a.ID, FirstName: a.FirstName, LastName: a.LastName, Email: a.Email, Role: a.Role}
}

func (a Account) Principal() commonauth.Principal {
	return commonauth.Principal{
		UserID: a.ID,
		Role:   a.Role,
		Name:   strings.TrimSpace(a.FirstName + " " + a.LastName),
		Email:  a.Email,
	}
}

// Accounts is the static sign-in directory loaded from configuration.
type Accounts struct {
	byEmail map[string]Account
}

// ParseAccounts reads entries of the form email:bcrypt-hash:Full Name[:role].
// The role defaults to admin.
func ParseAccounts(entries []string) (*Accounts, error) {
	out := &Accounts{byEmail: map[string]Account{}}
	for _, entry := range entries {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) < 2 || len(parts) > 4 {
			return nil, fmt.Errorf("agent account %q: want email:hash[:name[:role]]", entry)
		}
		email := strings.ToLower(strings.TrimSpace(parts[0]))
		hash := strings.TrimSpace(parts[1])
		if email == "" || hash == "" {
			return nil, fmt.Errorf("agent account %q: email and hash are required", entry)
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("agent account %s: %w", email, err)
		}
		acct := Account{
			ID:    uuid.NewSHA1(accountNamespace, []byte(email)).String(),
			Email: email,
			Role:  commonauth.RoleAdmin,
			hash:  []byte(hash),
		}
		if len(parts) > 2 {
			first, last, _ := strings.Cut(strings.TrimSpace(parts[2]), " ")
			acct.FirstName = first
			acct.LastName = strings.TrimSpace(last)
		}
		if len(parts) > 3 && strings.TrimSpace(parts[3]) != "" {
			acct.Role = strings.TrimSpace(parts[3])
		}
		out.byEmail[email] = acct
	}
	return out, nil
}

func (a *Accounts) Len() int {
	if a == nil {
		return 0
	}
	return len(a.byEmail)
}

func (a *Accounts) Authenticate(email, password string) (Account, error) {
	if a == nil {
		return Account{}, ErrInvalidCredentials
	}
	acct, ok := a.byEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return Account{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(acct.hash, []byte(password)); err != nil {
		return Account{}, ErrInvalidCredentials
	}
	return acct, nil
}
