// Package githubclt provides a github API client.
package githubclt

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/google/go-github/v59/github"
	"github.com/shurcooL/githubv4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/simplesurance/prmeta/internal/logfields"
	"github.com/simplesurance/prmeta/internal/prmetaerr"
)

const DefaultHTTPClientTimeout = time.Minute

const loggerName = "github_client"

// ErrNotFound is returned when the queried object does not exist.
var ErrNotFound = errors.New("not found")

// New returns a new github api client.
func New(oauthAPItoken string) *Client {
	httpClient := newHTTPClient(oauthAPItoken)
	return &Client{
		restClt:    github.NewClient(httpClient),
		graphQLClt: githubv4.NewClient(httpClient),
		logger:     zap.L().Named(loggerName),
	}
}

func newHTTPClient(apiToken string) *http.Client {
	if apiToken == "" {
		return &http.Client{
			Timeout: DefaultHTTPClientTimeout,
		}
	}

	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: apiToken},
	)

	tc := oauth2.NewClient(context.Background(), ts)
	tc.Timeout = DefaultHTTPClientTimeout

	return tc
}

// Client is a github API client.
// All methods return a prmetaerr.RetryableError when an operation can be
// retried. This can be e.g. the case when the API ratelimit is exceeded.
type Client struct {
	restClt    *github.Client
	graphQLClt *githubv4.Client
	logger     *zap.Logger
}

// Review is a submitted pull request review.
type Review struct {
	Author string
	State  string
}

// PullRequest contains the pull request attributes that the reconcilers
// operate on.
type PullRequest struct {
	Number     int
	Title      string
	Body       string
	Author     string
	AuthorType string
	NodeID     string
	Draft      bool
	Merged     bool
	State      string
	Labels     []string
}

// IssueComment is a comment on an issue or pull request.
type IssueComment struct {
	ID   int64
	Body string
}

// GetPullRequest returns the pull request object.
func (clt *Client) GetPullRequest(ctx context.Context, owner, repo string, prNumber int) (*PullRequest, error) {
	pr, _, err := clt.restClt.PullRequests.Get(ctx, owner, repo, prNumber)
	if err != nil {
		return nil, clt.wrapRetryableErrors(err)
	}

	labels := make([]string, 0, len(pr.Labels))
	for _, label := range pr.Labels {
		labels = append(labels, label.GetName())
	}

	return &PullRequest{
		Number:     pr.GetNumber(),
		Title:      pr.GetTitle(),
		Body:       pr.GetBody(),
		Author:     pr.GetUser().GetLogin(),
		AuthorType: pr.GetUser().GetType(),
		NodeID:     pr.GetNodeID(),
		Draft:      pr.GetDraft(),
		Merged:     pr.GetMerged(),
		State:      pr.GetState(),
		Labels:     labels,
	}, nil
}

// ListReviews returns all submitted reviews of a pull request.
func (clt *Client) ListReviews(ctx context.Context, owner, repo string, prNumber int) ([]*Review, error) {
	var result []*Review

	opts := github.ListOptions{PerPage: 100}
	for {
		reviews, resp, err := clt.restClt.PullRequests.ListReviews(ctx, owner, repo, prNumber, &opts)
		if err != nil {
			return nil, clt.wrapRetryableErrors(err)
		}

		for _, review := range reviews {
			result = append(result, &Review{
				Author: review.GetUser().GetLogin(),
				State:  review.GetState(),
			})
		}

		if resp.NextPage == 0 {
			return result, nil
		}

		opts.Page = resp.NextPage
	}
}

// ListLabels returns the names of all labels that are currently set on
// the pull request or issue.
func (clt *Client) ListLabels(ctx context.Context, owner, repo string, prOrIssueNumber int) ([]string, error) {
	var result []string

	opts := github.ListOptions{PerPage: 100}
	for {
		labels, resp, err := clt.restClt.Issues.ListLabelsByIssue(ctx, owner, repo, prOrIssueNumber, &opts)
		if err != nil {
			return nil, clt.wrapRetryableErrors(err)
		}

		for _, label := range labels {
			result = append(result, label.GetName())
		}

		if resp.NextPage == 0 {
			return result, nil
		}

		opts.Page = resp.NextPage
	}
}

// AddLabels adds labels to a Pull-Request or Issue.
func (clt *Client) AddLabels(ctx context.Context, owner, repo string, prOrIssueNumber int, labels []string) error {
	if len(labels) == 0 {
		// by default github removes all labels when none is provided,
		// we do not need this functionality, as safe guard fail if
		// because of a bug an empty label list is passed:
		return errors.New("provided label list is empty")
	}

	_, _, err := clt.restClt.Issues.AddLabelsToIssue(ctx, owner, repo, prOrIssueNumber, labels)
	return clt.wrapRetryableErrors(err)
}

// RemoveLabel removes a label from a Pull-Request or issue.
// If the issue or PR does not have the label, the operation succeeds.
func (clt *Client) RemoveLabel(ctx context.Context, owner, repo string, prOrIssueNumber int, label string) error {
	_, err := clt.restClt.Issues.RemoveLabelForIssue(
		ctx,
		owner,
		repo,
		prOrIssueNumber,
		label,
	)
	if err != nil {
		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) {
			if respErr.Response.StatusCode == http.StatusNotFound {
				clt.logger.Debug("removing label returned a not found response, interpreting it as success",
					logfields.RepositoryOwner(owner),
					logfields.Repository(repo),
					logfields.PullRequest(prOrIssueNumber),
					logfields.Label(label),
					logfields.Event("github_remove_label_returned_not_found"),
					zap.Error(err),
				)

				return nil
			}
		}

		return clt.wrapRetryableErrors(err)
	}

	return nil
}

// GetRepoLabel returns the color and description of a label defined in
// the repository.
// If the label does not exist, ErrNotFound is returned.
func (clt *Client) GetRepoLabel(ctx context.Context, owner, repo, name string) (color, description string, err error) {
	label, _, err := clt.restClt.Issues.GetLabel(ctx, owner, repo, name)
	if err != nil {
		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) && respErr.Response.StatusCode == http.StatusNotFound {
			return "", "", ErrNotFound
		}

		return "", "", clt.wrapRetryableErrors(err)
	}

	return label.GetColor(), label.GetDescription(), nil
}

// CreateRepoLabel defines a new label in the repository.
func (clt *Client) CreateRepoLabel(ctx context.Context, owner, repo, name, color, description string) error {
	_, _, err := clt.restClt.Issues.CreateLabel(ctx, owner, repo, &github.Label{
		Name:        &name,
		Color:       &color,
		Description: &description,
	})

	return clt.wrapRetryableErrors(err)
}

// UpdateRepoLabel updates the color and description of an existing
// repository label.
func (clt *Client) UpdateRepoLabel(ctx context.Context, owner, repo, name, color, description string) error {
	_, _, err := clt.restClt.Issues.EditLabel(ctx, owner, repo, name, &github.Label{
		Name:        &name,
		Color:       &color,
		Description: &description,
	})

	return clt.wrapRetryableErrors(err)
}

// ListIssueComments returns all comments of an issue or pull request.
func (clt *Client) ListIssueComments(ctx context.Context, owner, repo string, issueOrPRNr int) ([]*IssueComment, error) {
	var result []*IssueComment

	opts := github.IssueListCommentsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		comments, resp, err := clt.restClt.Issues.ListComments(ctx, owner, repo, issueOrPRNr, &opts)
		if err != nil {
			return nil, clt.wrapRetryableErrors(err)
		}

		for _, comment := range comments {
			result = append(result, &IssueComment{
				ID:   comment.GetID(),
				Body: comment.GetBody(),
			})
		}

		if resp.NextPage == 0 {
			return result, nil
		}

		opts.Page = resp.NextPage
	}
}

// CreateIssueComment creates a comment in an issue or pull request and
// returns its ID.
func (clt *Client) CreateIssueComment(ctx context.Context, owner, repo string, issueOrPRNr int, comment string) (int64, error) {
	created, _, err := clt.restClt.Issues.CreateComment(ctx, owner, repo, issueOrPRNr, &github.IssueComment{Body: &comment})
	if err != nil {
		return 0, clt.wrapRetryableErrors(err)
	}

	return created.GetID(), nil
}

// UpdateIssueComment replaces the body of an existing comment.
func (clt *Client) UpdateIssueComment(ctx context.Context, owner, repo string, commentID int64, comment string) error {
	_, _, err := clt.restClt.Issues.EditComment(ctx, owner, repo, commentID, &github.IssueComment{Body: &comment})
	return clt.wrapRetryableErrors(err)
}

// DeleteIssueComment deletes a comment.
func (clt *Client) DeleteIssueComment(ctx context.Context, owner, repo string, commentID int64) error {
	_, err := clt.restClt.Issues.DeleteComment(ctx, owner, repo, commentID)
	return clt.wrapRetryableErrors(err)
}

// EnableAutoMerge enables auto-merge for the pull request identified by
// its opaque node ID, with the given merge method.
func (clt *Client) EnableAutoMerge(ctx context.Context, prNodeID string, mergeMethod githubv4.PullRequestMergeMethod) error {
	var mutation struct {
		EnablePullRequestAutoMerge struct {
			PullRequest struct {
				Number githubv4.Int
			}
		} `graphql:"enablePullRequestAutoMerge(input: $input)"`
	}

	input := githubv4.EnablePullRequestAutoMergeInput{
		PullRequestID: githubv4.ID(prNodeID),
		MergeMethod:   &mergeMethod,
	}

	err := clt.graphQLClt.Mutate(ctx, &mutation, input, nil)
	if err != nil {
		return clt.wrapGraphQLRetryableErrors(err)
	}

	return nil
}

func (clt *Client) wrapRetryableErrors(err error) error {
	switch v := err.(type) {
	case *github.RateLimitError:
		clt.logger.Info(
			"rate limit exceeded",
			logfields.Event("github_api_rate_limit_exceeded"),
			zap.Int("github_api_rate_limit", v.Rate.Limit),
			zap.Time("github_api_rate_limit_reset_time", v.Rate.Reset.Time),
		)

		return prmetaerr.NewRetryableError(err, v.Rate.Reset.Time)

	case *github.ErrorResponse:
		if v.Response.StatusCode >= 500 && v.Response.StatusCode < 600 {
			return prmetaerr.NewRetryableAnytimeError(err)
		}
	}

	return err
}

var graphQlHTTPStatusErrRe = regexp.MustCompile(`^non-200 OK status code: ([0-9]+) .*`)

func (clt *Client) wrapGraphQLRetryableErrors(err error) error {
	matches := graphQlHTTPStatusErrRe.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return err
	}

	errcode, atoiErr := strconv.Atoi(matches[1])
	if atoiErr != nil {
		clt.logger.Info(
			"parsing http code from error string failed",
			zap.Error(atoiErr),
			zap.String("error_string", err.Error()),
			zap.String("http_errcode", matches[1]),
		)
		return err
	}

	if errcode >= 500 && errcode < 600 {
		return prmetaerr.NewRetryableAnytimeError(err)
	}

	return err
}
