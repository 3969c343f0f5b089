package app

import (
	"context"
	"errors"
	"fmt"

	"stressline/internal/config"
	"stressline/internal/repo"
)

// ResolveProfileAndConfig picks the active profile and ensures its config
// exists in the DB, seeding defaults on first use. It prefers the explicit
// override, then the workspace config file, then "default".
func ResolveProfileAndConfig(ctx context.Context, workspace, profileOverride string, r repo.Repo) (string, *config.Config, error) {
	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	profileID := profileOverride
	if profileID == "" && fileCfg != nil {
		profileID = fileCfg.Profile.ID
	}
	if profileID == "" {
		profileID = "default"
	}
	cfg, err := r.GetProfileConfig(ctx, profileID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		seed := fileCfg
		if seed == nil {
			seed = config.Default(profileID)
		}
		if err := r.UpsertProfileConfig(ctx, profileID, seed); err != nil {
			return "", nil, fmt.Errorf("seed profile config: %w", err)
		}
		cfg = seed
	}
	cfg.Profile.ID = profileID
	return profileID, cfg, nil
}
