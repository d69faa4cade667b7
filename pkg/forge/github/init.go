package github

import (
	"orchestrator/pkg/forge"
)

func init() { //nolint:gochecknoinits // factory registration avoids an import cycle
	forge.RegisterGitHubClientFactory(NewClientFromRepo)
}
