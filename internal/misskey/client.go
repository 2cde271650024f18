// Package misskey is the instance gateway: it executes authenticated calls
// against the instance's HTTP API and maps failures onto gateway error kinds.
package misskey

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"modbridge/backend/internal/gateway"
	"modbridge/backend/internal/models"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Client implements gateway.Instance.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	timeout    time.Duration
	log        logrus.FieldLogger
}

// Options configures a Client.
type Options struct {
	// Host is the instance host name, or a full base URL in tests.
	Host  string
	Token string
	// RequestInterval spaces calls apart; all callers share one limiter.
	RequestInterval time.Duration
	// Timeout bounds each call.
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     logrus.FieldLogger
}

// NewClient creates a new instance client.
func NewClient(opts Options) *Client {
	base := opts.Host
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	limit := rate.Inf
	if opts.RequestInterval > 0 {
		limit = rate.Every(opts.RequestInterval)
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		baseURL:    strings.TrimRight(base, "/") + "/api/",
		token:      opts.Token,
		httpClient: hc,
		limiter:    rate.NewLimiter(limit, 1),
		timeout:    opts.Timeout,
		log:        log,
	}
}

// do sends req and decodes a JSON response into out when out is non-nil.
func (c *Client) do(ctx context.Context, req Request, out any) error {
	op := req.Endpoint()
	if cr, ok := req.(credentialed); ok {
		cr.setCredential(c.token)
	}
	want := http.StatusOK
	if sc, ok := req.(successCoder); ok {
		want = sc.SuccessCode()
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return gateway.Transient(op, 0, err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return gateway.Permanent(op, 0, fmt.Errorf("encode request: %w", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+op, bytes.NewReader(body))
	if err != nil {
		return gateway.Permanent(op, 0, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return gateway.Transient(op, 0, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return gateway.Transient(op, resp.StatusCode, err)
	}
	c.log.WithFields(logrus.Fields{"endpoint": op, "status": resp.StatusCode}).Debug("instance call")

	if resp.StatusCode != want {
		return gateway.FromStatus(op, resp.StatusCode, decodeError(payload))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return gateway.Permanent(op, resp.StatusCode, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func decodeError(payload []byte) error {
	var we wireError
	if err := json.Unmarshal(payload, &we); err == nil && we.Error.Code != "" {
		return fmt.Errorf("%s: %s", we.Error.Code, we.Error.Message)
	}
	if len(payload) > 200 {
		payload = payload[:200]
	}
	return errors.New(strings.TrimSpace(string(payload)))
}

// ListReports fetches one page of abuse reports newer than q.SinceID.
// The instance returns newest-first when no sinceId is given, so the page
// is always re-sorted ascending.
func (c *Client) ListReports(ctx context.Context, q gateway.ReportQuery) ([]models.Report, error) {
	limit := q.Limit
	if limit <= 0 || limit > gateway.MaxPageSize {
		limit = gateway.MaxPageSize
	}
	req := &abuseUserReportsRequest{
		Limit:            limit,
		SinceID:          q.SinceID,
		State:            q.Filter.State,
		ReporterOrigin:   q.Filter.ReporterOrigin,
		TargetUserOrigin: q.Filter.TargetUserOrigin,
		Forwarded:        q.Filter.Forwarded,
	}
	var wire []wireReport
	if err := c.do(ctx, req, &wire); err != nil {
		return nil, err
	}

	reports := make([]models.Report, 0, len(wire))
	for _, w := range wire {
		reports = append(reports, w.toModel())
	}
	sort.SliceStable(reports, func(i, j int) bool {
		return models.CompareIDs(reports[i].ID, reports[j].ID) < 0
	})
	return reports, nil
}

func (w wireReport) toModel() models.Report {
	r := models.Report{
		ID:             w.ID,
		TargetUserID:   w.TargetUserID,
		ReporterUserID: w.ReporterID,
		Comment:        w.Comment,
		Category:       w.Category,
		Resolved:       w.Resolved,
		Forwarded:      w.Forwarded,
	}
	// An unparsable timestamp leaves CreatedAt zero, which Validate rejects.
	if t, err := time.Parse(time.RFC3339, w.CreatedAt); err == nil {
		r.CreatedAt = t
	}
	if w.TargetUser != nil {
		r.TargetUsername = w.TargetUser.Username
	}
	return r
}

// GetReport looks one report up. The API has no lookup by id, so it lists
// the page starting just below reportID: dropping the last character gives
// an id that sorts before it.
func (c *Client) GetReport(ctx context.Context, reportID string) (*models.Report, error) {
	if reportID == "" {
		return nil, nil
	}
	reports, err := c.ListReports(ctx, gateway.ReportQuery{
		SinceID: reportID[:len(reportID)-1],
		Limit:   gateway.MaxPageSize,
	})
	if err != nil {
		return nil, err
	}
	for i := range reports {
		if reports[i].ID == reportID {
			return &reports[i], nil
		}
	}
	return nil, nil
}

// ResolveReport marks a report resolved on the instance.
func (c *Client) ResolveReport(ctx context.Context, reportID string) error {
	return c.do(ctx, &resolveReportRequest{ReportID: reportID}, nil)
}

// SetSilenced silences or unsilences an account.
func (c *Client) SetSilenced(ctx context.Context, userID string, silenced bool) error {
	return c.do(ctx, &silenceRequest{UserID: userID, silenced: silenced}, nil)
}

// ListUserRoles returns the ids of the roles assigned to userID.
func (c *Client) ListUserRoles(ctx context.Context, userID string) ([]string, error) {
	var user wireUser
	if err := c.do(ctx, &showUserRequest{UserID: userID}, &user); err != nil {
		return nil, err
	}
	roles := make([]string, 0, len(user.Roles))
	for _, r := range user.Roles {
		roles = append(roles, r.ID)
	}
	return roles, nil
}

// GrantRole assigns roleID to userID.
func (c *Client) GrantRole(ctx context.Context, userID, roleID string) error {
	return c.do(ctx, &roleRequest{UserID: userID, RoleID: roleID, assign: true}, nil)
}

// RevokeRole unassigns roleID from userID.
func (c *Client) RevokeRole(ctx context.Context, userID, roleID string) error {
	return c.do(ctx, &roleRequest{UserID: userID, RoleID: roleID}, nil)
}

// SendDirectMessage posts a specified-visibility note only userID can see.
func (c *Client) SendDirectMessage(ctx context.Context, userID, text, replyToNoteID string) error {
	req := &createNoteRequest{
		Visibility:     "specified",
		VisibleUserIDs: []string{userID},
		Text:           text,
		ReplyID:        replyToNoteID,
	}
	return c.do(ctx, req, nil)
}

var _ gateway.Instance = (*Client)(nil)
