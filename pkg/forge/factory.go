package forge

import (
	"fmt"
	"os"

	"orchestrator/pkg/config"
)

// NewClient builds the Client selected by cfg.Host.Provider, reading credentials from the
// environment. Concrete implementations register themselves via their package init so this
// package never imports them (they import forge for the interface).
func NewClient(cfg *config.Config) (Client, error) {
	switch cfg.Host.Provider {
	case "gitea":
		token := os.Getenv("GITEA_TOKEN")
		owner := os.Getenv("GITEA_OWNER")
		repo := os.Getenv("GITEA_REPO")
		if token == "" || owner == "" || repo == "" {
			return nil, fmt.Errorf("GITEA_TOKEN, GITEA_OWNER, and GITEA_REPO must all be set for host.provider: gitea")
		}
		return newGiteaClient(cfg.Host.BaseURL, token, owner, repo)
	default:
		if os.Getenv("GITHUB_TOKEN") == "" {
			return nil, fmt.Errorf("GITHUB_TOKEN environment variable is not set")
		}
		owner := os.Getenv("GITHUB_OWNER")
		repo := os.Getenv("GITHUB_REPO")
		if owner == "" || repo == "" {
			return nil, fmt.Errorf("GITHUB_OWNER and GITHUB_REPO must both be set for host.provider: github")
		}
		return newGitHubClient(owner, repo)
	}
}

//nolint:gochecknoglobals // factory registration avoids an import cycle
var newGiteaClient = func(baseURL, token, owner, repo string) (Client, error) {
	return nil, fmt.Errorf("gitea client not registered - import orchestrator/pkg/forge/gitea for side effects")
}

//nolint:gochecknoglobals // factory registration avoids an import cycle
var newGitHubClient = func(owner, repo string) (Client, error) {
	return nil, fmt.Errorf("github client not registered - import orchestrator/pkg/forge/github for side effects")
}

// RegisterGiteaClientFactory is called by the gitea package's init.
func RegisterGiteaClientFactory(factory func(baseURL, token, owner, repo string) (Client, error)) {
	newGiteaClient = factory
}

// RegisterGitHubClientFactory is called by the github package's init.
func RegisterGitHubClientFactory(factory func(owner, repo string) (Client, error)) {
	newGitHubClient = factory
}
