package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/bnema/enrollctl/internal/domain"
)

// resolveIdentityID keeps a requested ID or picks the lowest free positive number.
func resolveIdentityID(ctx context.Context, app *app, raw string) (domain.IdentityID, error) {
	requested := strings.TrimSpace(raw)
	if requested == "" || requested == "0" {
		return nextAvailableIdentityID(ctx, app)
	}

	if n, err := strconv.Atoi(requested); err == nil && n <= 0 {
		return "", fmt.Errorf("identity must be a positive number, a name, or empty/0 for auto assignment")
	}

	return domain.IdentityID(requested), nil
}

func nextAvailableIdentityID(ctx context.Context, app *app) (domain.IdentityID, error) {
	identities, err := app.registry.List(ctx)
	if err != nil {
		return "", fmt.Errorf("list identities for auto assignment: %w", err)
	}

	used := make(map[int]struct{}, len(identities))
	for _, identity := range identities {
		n, err := strconv.Atoi(string(identity.ID))
		if err != nil || n <= 0 {
			continue
		}
		used[n] = struct{}{}
	}

	for i := 1; ; i++ {
		if _, ok := used[i]; !ok {
			return domain.IdentityID(strconv.Itoa(i)), nil
		}
	}
}
