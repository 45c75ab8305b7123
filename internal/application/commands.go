package application

import (
	"github.com/bnema/enrollctl/internal/domain"
)

type RegisterCommand struct {
	ID         domain.IdentityID
	Label      string
	Credential string
}

// StartCommand describes one enrollment operation. Targets are normalized by Start.
type StartCommand struct {
	Name    string
	Group   string
	Targets []string
	Config  domain.SessionConfig
}
