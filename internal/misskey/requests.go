package misskey

import "net/http"

// Request is one call to an instance API endpoint. The request value is
// marshalled as the JSON body.
type Request interface {
	Endpoint() string
}

// credentialed is implemented by requests that carry the admin token in the body.
type credentialed interface {
	setCredential(token string)
}

// successCoder is implemented by requests whose success status is not 200.
type successCoder interface {
	SuccessCode() int
}

// credential is embedded by requests that need the instance token.
type credential struct {
	I string `json:"i"`
}

func (c *credential) setCredential(token string) { c.I = token }

// noContent is embedded by requests answered with 204.
type noContent struct{}

func (noContent) SuccessCode() int { return http.StatusNoContent }

type abuseUserReportsRequest struct {
	credential
	Limit            int    `json:"limit"`
	SinceID          string `json:"sinceId,omitempty"`
	State            string `json:"state,omitempty"`
	ReporterOrigin   string `json:"reporterOrigin,omitempty"`
	TargetUserOrigin string `json:"targetUserOrigin,omitempty"`
	Forwarded        *bool  `json:"forwarded,omitempty"`
}

func (*abuseUserReportsRequest) Endpoint() string { return "admin/abuse-user-reports" }

type resolveReportRequest struct {
	credential
	noContent
	ReportID string `json:"reportId"`
}

func (*resolveReportRequest) Endpoint() string { return "admin/resolve-abuse-user-report" }

type silenceRequest struct {
	credential
	noContent
	UserID   string `json:"userId"`
	silenced bool
}

func (r *silenceRequest) Endpoint() string {
	if r.silenced {
		return "admin/silence-user"
	}
	return "admin/unsilence-user"
}

type showUserRequest struct {
	credential
	UserID string `json:"userId"`
}

func (*showUserRequest) Endpoint() string { return "users/show" }

type roleRequest struct {
	credential
	noContent
	RoleID string `json:"roleId"`
	UserID string `json:"userId"`
	assign bool
}

func (r *roleRequest) Endpoint() string {
	if r.assign {
		return "admin/roles/assign"
	}
	return "admin/roles/unassign"
}

type createNoteRequest struct {
	credential
	Visibility     string   `json:"visibility"`
	VisibleUserIDs []string `json:"visibleUserIds"`
	Text           string   `json:"text"`
	ReplyID        string   `json:"replyId,omitempty"`
}

func (*createNoteRequest) Endpoint() string { return "notes/create" }

// wireReport is the instance's JSON shape for an abuse report.
type wireReport struct {
	ID           string  `json:"id"`
	CreatedAt    string  `json:"createdAt"`
	Comment      string  `json:"comment"`
	Resolved     bool    `json:"resolved"`
	ReporterID   *string `json:"reporterId"`
	TargetUserID string  `json:"targetUserId"`
	Forwarded    bool    `json:"forwarded"`
	Category     string  `json:"category"`
	TargetUser   *struct {
		Username string `json:"username"`
	} `json:"targetUser"`
}

type wireUser struct {
	ID    string `json:"id"`
	Roles []struct {
		ID string `json:"id"`
	} `json:"roles"`
}

type wireError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
