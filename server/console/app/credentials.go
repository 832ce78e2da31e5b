package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"supportdesk/server/chat/domain"
	"supportdesk/server/console/realtime"
)

var ErrNoCredentials = errors.New("not signed in")

// StoredUser is the persisted user record; its keys mirror the wire names.
type StoredUser struct {
	ID        string `yaml:"_id"`
	FirstName string `yaml:"firstName"`
	LastName  string `yaml:"lastName,omitempty"`
	Email     string `yaml:"email"`
	Role      string `yaml:"role"`
}

type Credentials struct {
	Token string     `yaml:"token"`
	User  StoredUser `yaml:"user"`
}

func CredentialsFromLogin(res domain.LoginResult) Credentials {
	return Credentials{
		Token: res.AccessToken,
		User: StoredUser{
			ID:        res.User.ID,
			FirstName: res.User.FirstName,
			LastName:  res.User.LastName,
			Email:     res.User.Email,
			Role:      res.User.Role,
		},
	}
}

func (c Credentials) UserInfo() domain.UserInfo {
	return domain.UserInfo{
		ID:        c.User.ID,
		FirstName: c.User.FirstName,
		LastName:  c.User.LastName,
		Email:     c.User.Email,
		Role:      c.User.Role,
	}
}

func (c Credentials) Identity() *realtime.Identity {
	return &realtime.Identity{
		Token:    c.Token,
		UserID:   c.User.ID,
		Role:     c.User.Role,
		UserInfo: c.UserInfo(),
	}
}

func (c Credentials) Agent() domain.Agent {
	return domain.Agent{ID: c.User.ID, Name: c.UserInfo().DisplayName(), Email: c.User.Email}
}

// CredentialStore keeps the token and user record in a YAML file.
type CredentialStore struct {
	Path string
}

func (s CredentialStore) Load() (Credentials, error) {
	raw, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return Credentials{}, ErrNoCredentials
	}
	if err != nil {
		return Credentials{}, fmt.Errorf("read credentials: %w", err)
	}
	var creds Credentials
	if err := yaml.Unmarshal(raw, &creds); err != nil {
		return Credentials{}, fmt.Errorf("parse credentials %s: %w", s.Path, err)
	}
	if creds.Token == "" || creds.User.ID == "" {
		return Credentials{}, ErrNoCredentials
	}
	return creds, nil
}

func (s CredentialStore) Save(creds Credentials) error {
	raw, err := yaml.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	if err := os.WriteFile(s.Path, raw, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

func (s CredentialStore) Clear() error {
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove credentials: %w", err)
	}
	return nil
}
