package gitea

import (
	"orchestrator/pkg/forge"
)

// init registers the Gitea client factory with the forge package.
func init() {
	forge.RegisterGiteaClientFactory(newClientFromConfig)
}

// newClientFromConfig builds a Gitea client from host connection details resolved by
// pkg/config (base URL) and the GITEA_TOKEN/GITEA_OWNER/GITEA_REPO environment variables.
func newClientFromConfig(baseURL, token, owner, repo string) (forge.Client, error) {
	return NewClient(baseURL, token, owner, repo), nil
}
