package reporters

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v68/github"
	"github.com/zulandar/trestle/internal/models"
	"golang.org/x/oauth2"
)

// statusClient abstracts the GitHub API surface we use.
type statusClient interface {
	CreateStatus(ctx context.Context, owner, repo, ref string, status *github.RepoStatus) (*github.RepoStatus, *github.Response, error)
}

// GitHubStatusReporter mirrors build outcomes onto the built revisions
// as commit statuses. The repository owner/name are derived from each
// sourcestamp's repository URL, so one reporter covers every codebase.
type GitHubStatusReporter struct {
	client    statusClient
	statusCtx string
}

// GitHubOpts holds parameters for creating a GitHubStatusReporter.
type GitHubOpts struct {
	Token   string
	Context string // status context label, default "ci/trestle"
	// For testing: inject a mock client instead of the real API.
	Client statusClient
}

// NewGitHubStatus creates a commit-status reporter.
func NewGitHubStatus(opts GitHubOpts) (*GitHubStatusReporter, error) {
	if opts.Client == nil && opts.Token == "" {
		return nil, fmt.Errorf("github: token is required")
	}
	if opts.Context == "" {
		opts.Context = "ci/trestle"
	}
	client := opts.Client
	if client == nil {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token})
		client = github.NewClient(oauth2.NewClient(context.Background(), ts)).Repositories
	}
	return &GitHubStatusReporter{client: client, statusCtx: opts.Context}, nil
}

func (r *GitHubStatusReporter) Name() string { return "github-status" }

// Report sets a commit status for every sourcestamp with a resolvable
// GitHub repository and revision.
func (r *GitHubStatusReporter) Report(ctx context.Context, snap Snapshot) error {
	state := statusState(snap.Results)
	description := fmt.Sprintf("Trestle: %s", snap.Results)

	var firstErr error
	for _, stamp := range snap.Buildset.SourceStamps {
		owner, repo, ok := splitRepository(stamp.Repository)
		if !ok || stamp.Revision == "" {
			continue
		}
		status := &github.RepoStatus{
			State:       github.String(state),
			Context:     github.String(r.statusCtx),
			Description: github.String(description),
		}
		if _, _, err := r.client.CreateStatus(ctx, owner, repo, stamp.Revision, status); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("github: set status on %s/%s@%s: %w", owner, repo, stamp.Revision, err)
			}
		}
	}
	return firstErr
}

// statusState maps results onto GitHub's four status states.
func statusState(results models.Results) string {
	switch results {
	case models.Success, models.Skipped, models.Warnings:
		return "success"
	case models.Failure:
		return "failure"
	default:
		return "error"
	}
}

// splitRepository extracts owner and repo from a GitHub repository URL
// (https or ssh form). Non-GitHub URLs return ok=false.
func splitRepository(url string) (owner, repo string, ok bool) {
	var path string
	switch {
	case strings.HasPrefix(url, "https://github.com/"):
		path = strings.TrimPrefix(url, "https://github.com/")
	case strings.HasPrefix(url, "git@github.com:"):
		path = strings.TrimPrefix(url, "git@github.com:")
	default:
		return "", "", false
	}
	path = strings.TrimSuffix(path, ".git")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
