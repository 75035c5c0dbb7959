package tools

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v69/github"

	"github.com/runefall/foreman/internal/buildinfo"
	"github.com/runefall/foreman/internal/httpkit"
)

// TagGitHub scopes the GitHub toolset; work orders without this tag
// never see these tools.
const TagGitHub = "github"

// GitHubToolset exposes a repository's issues and pull requests as
// work-order tools via the go-github SDK. One toolset binds one
// owner/repo pair; the executor never picks the repository itself.
type GitHubToolset struct {
	client *gogithub.Client
	owner  string
	repo   string
	logger *slog.Logger
}

// NewGitHubToolset creates a toolset authenticated with the given
// token against the default GitHub API endpoint.
func NewGitHubToolset(token, owner, repo string, logger *slog.Logger) (*GitHubToolset, error) {
	if token == "" || owner == "" || repo == "" {
		return nil, fmt.Errorf("github toolset requires token, owner, and repo")
	}
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := httpkit.NewClient(
		httpkit.WithTimeout(30*time.Second),
		httpkit.WithUserAgent(buildinfo.UserAgent()),
	)
	return &GitHubToolset{
		client: gogithub.NewClient(httpClient).WithAuthToken(token),
		owner:  owner,
		repo:   repo,
		logger: logger.With("component", "github_tools"),
	}, nil
}

// newGitHubToolsetWithClient is the test seam: same wiring, caller's
// transport.
func newGitHubToolsetWithClient(httpClient *http.Client, baseURL, owner, repo string, logger *slog.Logger) (*GitHubToolset, error) {
	client, err := gogithub.NewClient(httpClient).WithEnterpriseURLs(baseURL, baseURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GitHubToolset{client: client, owner: owner, repo: repo, logger: logger}, nil
}

// checkRateLimit logs a warning when remaining API calls drop below threshold.
func (g *GitHubToolset) checkRateLimit(resp *gogithub.Response) {
	if resp == nil {
		return
	}
	if resp.Rate.Remaining < 100 {
		g.logger.Warn("github rate limit low",
			"remaining", resp.Rate.Remaining,
			"reset", resp.Rate.Reset.Time,
		)
	}
}

// Register adds the toolset to the registry.
func (g *GitHubToolset) Register(r *Registry) {
	r.Register(&Tool{
		Name:        "get_issue",
		Description: "Fetch a single issue by number: title, state, labels, and body.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"number": map[string]any{"type": "integer", "description": "Issue number"},
			},
			"required": []string{"number"},
		},
		Tags:    []string{TagGitHub},
		Handler: g.handleGetIssue,
	})

	r.Register(&Tool{
		Name:        "list_issues",
		Description: "List issues in the repository, optionally filtered by state and labels.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"state":  map[string]any{"type": "string", "enum": []string{"open", "closed", "all"}},
				"labels": map[string]any{"type": "string", "description": "Comma-separated label names"},
				"limit":  map[string]any{"type": "integer", "description": "Max results, default 20"},
			},
		},
		Tags:    []string{TagGitHub},
		Handler: g.handleListIssues,
	})

	r.Register(&Tool{
		Name:        "create_issue_comment",
		Description: "Post a comment on an issue or pull request.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"number": map[string]any{"type": "integer", "description": "Issue or PR number"},
				"body":   map[string]any{"type": "string", "description": "Comment text (markdown)"},
			},
			"required": []string{"number", "body"},
		},
		Tags:     []string{TagGitHub},
		Mutation: &MutationSpec{TargetType: "issue", TargetArg: "number", Action: "comment"},
		Handler:  g.handleCreateComment,
	})

	r.Register(&Tool{
		Name:        "update_issue",
		Description: "Update an issue's title, body, or state (open/closed).",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"number": map[string]any{"type": "integer", "description": "Issue number"},
				"title":  map[string]any{"type": "string"},
				"body":   map[string]any{"type": "string"},
				"state":  map[string]any{"type": "string", "enum": []string{"open", "closed"}},
			},
			"required": []string{"number"},
		},
		Tags:     []string{TagGitHub},
		Mutation: &MutationSpec{TargetType: "issue", TargetArg: "number", Action: "update"},
		Handler:  g.handleUpdateIssue,
	})

	r.Register(&Tool{
		Name:        "merge_pull_request",
		Description: "Merge a pull request. Only call after checks pass and the objective requires it.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"number":         map[string]any{"type": "integer", "description": "Pull request number"},
				"method":         map[string]any{"type": "string", "enum": []string{"merge", "squash", "rebase"}},
				"commit_message": map[string]any{"type": "string"},
			},
			"required": []string{"number"},
		},
		Tags:     []string{TagGitHub},
		Mutation: &MutationSpec{TargetType: "pull_request", TargetArg: "number", Action: "merge"},
		Handler:  g.handleMergePR,
	})
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func (g *GitHubToolset) handleGetIssue(ctx context.Context, args map[string]any) (*Result, error) {
	number := intArg(args, "number")
	if number <= 0 {
		return nil, fmt.Errorf("number is required")
	}

	issue, resp, err := g.client.Issues.Get(ctx, g.owner, g.repo, number)
	if err != nil {
		return nil, fmt.Errorf("get issue: %w", err)
	}
	g.checkRateLimit(resp)

	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s [%s]\n", issue.GetNumber(), issue.GetTitle(), issue.GetState())
	if len(issue.Labels) > 0 {
		labels := make([]string, 0, len(issue.Labels))
		for _, l := range issue.Labels {
			labels = append(labels, l.GetName())
		}
		fmt.Fprintf(&b, "Labels: %s\n", strings.Join(labels, ", "))
	}
	if body := issue.GetBody(); body != "" {
		b.WriteString("\n")
		b.WriteString(body)
	}
	return &Result{OK: true, Content: b.String()}, nil
}

func (g *GitHubToolset) handleListIssues(ctx context.Context, args map[string]any) (*Result, error) {
	limit := intArg(args, "limit")
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	opts := &gogithub.IssueListByRepoOptions{
		State:       stringArg(args, "state"),
		ListOptions: gogithub.ListOptions{PerPage: limit},
	}
	if opts.State == "" {
		opts.State = "open"
	}
	if labels := stringArg(args, "labels"); labels != "" {
		opts.Labels = strings.Split(labels, ",")
	}

	issues, resp, err := g.client.Issues.ListByRepo(ctx, g.owner, g.repo, opts)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	g.checkRateLimit(resp)

	var b strings.Builder
	count := 0
	for _, i := range issues {
		// the issues endpoint also returns pull requests
		if i.IsPullRequest() {
			continue
		}
		fmt.Fprintf(&b, "#%d %s [%s]\n", i.GetNumber(), i.GetTitle(), i.GetState())
		count++
	}
	if count == 0 {
		return &Result{OK: true, Content: "no matching issues"}, nil
	}
	return &Result{OK: true, Content: b.String()}, nil
}

func (g *GitHubToolset) handleCreateComment(ctx context.Context, args map[string]any) (*Result, error) {
	number := intArg(args, "number")
	body := stringArg(args, "body")
	if number <= 0 || body == "" {
		return nil, fmt.Errorf("number and body are required")
	}

	comment, resp, err := g.client.Issues.CreateComment(ctx, g.owner, g.repo, number, &gogithub.IssueComment{
		Body: &body,
	})
	if err != nil {
		return nil, fmt.Errorf("create comment: %w", err)
	}
	g.checkRateLimit(resp)
	return &Result{OK: true, Content: fmt.Sprintf("comment %d posted on #%d", comment.GetID(), number)}, nil
}

func (g *GitHubToolset) handleUpdateIssue(ctx context.Context, args map[string]any) (*Result, error) {
	number := intArg(args, "number")
	if number <= 0 {
		return nil, fmt.Errorf("number is required")
	}

	req := &gogithub.IssueRequest{}
	changed := false
	if title := stringArg(args, "title"); title != "" {
		req.Title = &title
		changed = true
	}
	if body := stringArg(args, "body"); body != "" {
		req.Body = &body
		changed = true
	}
	if state := stringArg(args, "state"); state != "" {
		req.State = &state
		changed = true
	}
	if !changed {
		return nil, fmt.Errorf("nothing to update: provide title, body, or state")
	}

	issue, resp, err := g.client.Issues.Edit(ctx, g.owner, g.repo, number, req)
	if err != nil {
		return nil, fmt.Errorf("update issue: %w", err)
	}
	g.checkRateLimit(resp)
	return &Result{OK: true, Content: fmt.Sprintf("issue #%d updated, now %s", issue.GetNumber(), issue.GetState())}, nil
}

func (g *GitHubToolset) handleMergePR(ctx context.Context, args map[string]any) (*Result, error) {
	number := intArg(args, "number")
	if number <= 0 {
		return nil, fmt.Errorf("number is required")
	}

	method := stringArg(args, "method")
	if method == "" {
		method = "squash"
	}

	result, resp, err := g.client.PullRequests.Merge(ctx, g.owner, g.repo, number,
		stringArg(args, "commit_message"),
		&gogithub.PullRequestOptions{MergeMethod: method},
	)
	if err != nil {
		return nil, fmt.Errorf("merge pull request: %w", err)
	}
	g.checkRateLimit(resp)

	if !result.GetMerged() {
		return &Result{OK: false, Content: fmt.Sprintf("merge rejected: %s", result.GetMessage())}, nil
	}
	return &Result{OK: true, Content: fmt.Sprintf("pull request #%d merged as %s", number, result.GetSHA())}, nil
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}
