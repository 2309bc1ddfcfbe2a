package app

import (
	"context"
	"errors"
	"fmt"

	"tradeline/internal/config"
	"tradeline/internal/repo"
)

// ResolveWorkspaceConfig loads the workspace config, preferring the local
// tradeline.yml over the copy stored in the database. A fresh workspace is
// seeded with defaults so CLI commands work out of the box.
func ResolveWorkspaceConfig(ctx context.Context, workspace, workspaceOverride string, r repo.Repo) (string, *config.Config, error) {
	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	workspaceID := workspaceOverride
	if workspaceID == "" && fileCfg != nil {
		workspaceID = fileCfg.Workspace.ID
	}
	if workspaceID == "" {
		workspaceID = "default"
	}

	if fileCfg != nil {
		fileCfg.Workspace.ID = workspaceID
		if err := r.UpsertWorkspaceConfig(ctx, workspaceID, fileCfg); err != nil {
			return "", nil, fmt.Errorf("store workspace config: %w", err)
		}
		return workspaceID, fileCfg, nil
	}

	cfg, err := r.GetWorkspaceConfig(ctx, workspaceID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		cfg = config.Default(workspaceID)
		if err := r.UpsertWorkspaceConfig(ctx, workspaceID, cfg); err != nil {
			return "", nil, fmt.Errorf("seed workspace config: %w", err)
		}
	}
	return workspaceID, cfg, nil
}
