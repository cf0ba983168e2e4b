package credential

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// TriState models a learned flag that starts out unknown.
type TriState int

const (
	Unknown TriState = iota
	Enabled
	Disabled
)

func (t TriState) MarshalJSON() ([]byte, error) {
	switch t {
	case Enabled:
		return []byte("true"), nil
	case Disabled:
		return []byte("false"), nil
	default:
		return []byte("null"), nil
	}
}

func (t *TriState) UnmarshalJSON(data []byte) error {
	switch strings.TrimSpace(string(data)) {
	case "true":
		*t = Enabled
	case "false":
		*t = Disabled
	case "null", "":
		*t = Unknown
	default:
		return fmt.Errorf("invalid tri-state value %q", string(data))
	}
	return nil
}

func (t TriState) MarshalYAML() (interface{}, error) {
	switch t {
	case Enabled:
		return true, nil
	case Disabled:
		return false, nil
	default:
		return nil, nil
	}
}

func (t *TriState) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var v *bool
	if err := unmarshal(&v); err != nil {
		return err
	}
	switch {
	case v == nil:
		*t = Unknown
	case *v:
		*t = Enabled
	default:
		*t = Disabled
	}
	return nil
}

func (t TriState) String() string {
	switch t {
	case Enabled:
		return "enabled"
	case Disabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Family buckets a model for usage accounting and probe lanes.
type Family string

const (
	FamilySonnet Family = "sonnet"
	FamilyOpus   Family = "opus"
	FamilyOther  Family = "other"
)

// FamilyOf classifies a model name.
func FamilyOf(model string) Family {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "sonnet"):
		return FamilySonnet
	case strings.Contains(m, "opus"):
		return FamilyOpus
	default:
		return FamilyOther
	}
}

// ReasonKind tags why a credential came back from a request.
type ReasonKind string

const (
	ReasonNormalPristine  ReasonKind = "normal_pristine"
	ReasonTooManyRequests ReasonKind = "too_many_requests"
	ReasonInvalidAuth     ReasonKind = "invalid_auth"
	ReasonForbidden       ReasonKind = "forbidden"
	ReasonBanned          ReasonKind = "banned"
	ReasonOther           ReasonKind = "other"
)

// Reason accompanies a Return message. A nil *Reason is the normal return
// that overwrites the pool entry in place.
type Reason struct {
	Kind    ReasonKind `json:"kind" yaml:"kind"`
	ResetAt int64      `json:"reset_at,omitempty" yaml:"reset_at,omitempty"`
	Message string     `json:"message,omitempty" yaml:"message,omitempty"`
}

// TooManyRequests builds the cooldown reason. A zero ts means "one hour from now".
func TooManyRequests(ts int64) *Reason {
	if ts == 0 {
		ts = time.Now().Add(time.Hour).Unix()
	}
	return &Reason{Kind: ReasonTooManyRequests, ResetAt: ts}
}

// Retires reports whether the reason moves the credential to the wasted set
// rather than the cooldown bucket. Other is a soft failure: the credential
// returns to rotation unchanged.
func (r *Reason) Retires() bool {
	if r == nil {
		return false
	}
	switch r.Kind {
	case ReasonInvalidAuth, ReasonForbidden, ReasonBanned:
		return true
	}
	return false
}

func (r *Reason) String() string {
	if r == nil {
		return "none"
	}
	if r.Message != "" {
		return fmt.Sprintf("%s: %s", r.Kind, r.Message)
	}
	return string(r.Kind)
}

// TokenInfo is the OAuth token pair attached to a web cookie.
type TokenInfo struct {
	AccessToken  string `json:"access_token" yaml:"access_token"`
	RefreshToken string `json:"refresh_token" yaml:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at" yaml:"expires_at"`
	ExpiresIn    int64  `json:"expires_in" yaml:"expires_in"`
	OrgUUID      string `json:"org_uuid,omitempty" yaml:"org_uuid,omitempty"`
}

// NewTokenInfo builds a token whose expiry is strictly in the future.
func NewTokenInfo(access, refresh string, expiresIn int64, orgUUID string, now time.Time) (*TokenInfo, error) {
	if expiresIn <= 0 {
		return nil, fmt.Errorf("token expires_in must be positive, got %d", expiresIn)
	}
	return &TokenInfo{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    now.Unix() + expiresIn,
		ExpiresIn:    expiresIn,
		OrgUUID:      orgUUID,
	}, nil
}

// LaneFlags holds the learned premium-window flag per probe lane.
type LaneFlags struct {
	Sonnet TriState `json:"sonnet" yaml:"sonnet"`
	Opus   TriState `json:"opus" yaml:"opus"`
}

// Get returns the flag for a family lane. Families outside the known lanes
// never probe, so they read as Disabled.
func (l LaneFlags) Get(f Family) TriState {
	switch f {
	case FamilySonnet:
		return l.Sonnet
	case FamilyOpus:
		return l.Opus
	default:
		return Disabled
	}
}

// Set records a learned flag for a family lane.
func (l *LaneFlags) Set(f Family, v TriState) {
	switch f {
	case FamilySonnet:
		l.Sonnet = v
	case FamilyOpus:
		l.Opus = v
	}
}

// Cookie is a web-session credential with its paired OAuth token, cooldown
// marker, learned capability flags, and rolling usage accounting.
type Cookie struct {
	Value         string       `json:"cookie" yaml:"cookie"`
	ResetTime     *int64       `json:"reset_time,omitempty" yaml:"reset_time,omitempty"`
	Token         *TokenInfo   `json:"token,omitempty" yaml:"token,omitempty"`
	PremiumWindow LaneFlags    `json:"premium_window" yaml:"premium_window"`
	CountTokens   TriState     `json:"count_tokens_allowed" yaml:"count_tokens_allowed"`
	Session       UsageWindow  `json:"session_usage" yaml:"session_usage"`
	Weekly        UsageWindow  `json:"weekly_usage" yaml:"weekly_usage"`
}

// PrimaryKey implements the pool identity for cookies.
func (c Cookie) PrimaryKey() string { return c.Value }

// Clone returns a deep copy safe to hand outside the actor.
func (c Cookie) Clone() Cookie {
	out := c
	if c.ResetTime != nil {
		v := *c.ResetTime
		out.ResetTime = &v
	}
	if c.Token != nil {
		t := *c.Token
		out.Token = &t
	}
	out.Session = c.Session.Clone()
	out.Weekly = c.Weekly.Clone()
	return out
}

// Ellipse renders the cookie safe for logs.
func (c Cookie) Ellipse() string {
	if len(c.Value) <= 10 {
		return c.Value
	}
	return c.Value[:10] + "..."
}

// Cooling reports whether the cookie is under an active cooldown.
func (c Cookie) Cooling(now time.Time) bool {
	return c.ResetTime != nil && now.Unix() < *c.ResetTime
}

// WastedCookie is a retired cookie kept for audit and duplicate rejection.
type WastedCookie struct {
	Value  string  `json:"cookie" yaml:"cookie"`
	Reason *Reason `json:"reason,omitempty" yaml:"reason,omitempty"`
}

func (w WastedCookie) PrimaryKey() string { return w.Value }

// APIKey is a bare upstream key with forbidden-response accounting.
type APIKey struct {
	Value    string `json:"key" yaml:"key"`
	Count403 int64  `json:"count_403" yaml:"count_403"`
}

func (k APIKey) PrimaryKey() string { return k.Value }

// CliOAuthMeta is the refresh material carried by a CLI bearer token.
type CliOAuthMeta struct {
	ClientID     string   `json:"client_id" yaml:"client_id"`
	ClientSecret string   `json:"client_secret" yaml:"client_secret"`
	RefreshToken string   `json:"refresh_token" yaml:"refresh_token"`
	TokenURI     string   `json:"token_uri" yaml:"token_uri"`
	Scopes       []string `json:"scopes,omitempty" yaml:"scopes,omitempty"`
	ProjectID    string   `json:"project_id,omitempty" yaml:"project_id,omitempty"`
}

// CliToken is an OAuth bearer credential for the Code Assist endpoint.
type CliToken struct {
	Token     string        `json:"token" yaml:"token"`
	ExpiresAt *int64        `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	Refresh   *CliOAuthMeta `json:"refresh,omitempty" yaml:"refresh,omitempty"`
	Count403  int64         `json:"count_403" yaml:"count_403"`
}

func (t CliToken) PrimaryKey() string { return t.Token }

// Ellipse renders a token safe for logs.
func (t CliToken) Ellipse() string {
	if len(t.Token) <= 10 {
		return t.Token
	}
	return t.Token[:10] + "..."
}

// NormalizeBearer trims a pasted token, stripping an optional "Bearer " prefix.
func NormalizeBearer(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "Bearer ")
	return strings.TrimSpace(s)
}

// ServiceAccount is a Google service-account key used for the Vertex endpoint.
type ServiceAccount struct {
	ID       string          `json:"id" yaml:"id"`
	RawKey   json.RawMessage `json:"key" yaml:"key"`
	Count403 int64           `json:"count_403" yaml:"count_403"`
}

func (s ServiceAccount) PrimaryKey() string { return s.ID }

// ClientEmail reads the key document without a full unmarshal.
func (s ServiceAccount) ClientEmail() string {
	return gjson.GetBytes(s.RawKey, "client_email").String()
}

// ProjectID reads the project from the key document.
func (s ServiceAccount) ProjectID() string {
	return gjson.GetBytes(s.RawKey, "project_id").String()
}

// NewServiceAccount derives a stable id from the key document when the
// caller does not provide one.
func NewServiceAccount(id string, rawKey []byte) (ServiceAccount, error) {
	if !gjson.ValidBytes(rawKey) {
		return ServiceAccount{}, fmt.Errorf("service account key is not valid JSON")
	}
	sa := ServiceAccount{ID: id, RawKey: json.RawMessage(rawKey)}
	if sa.ID == "" {
		sa.ID = sa.ClientEmail()
	}
	if sa.ID == "" {
		return ServiceAccount{}, fmt.Errorf("service account key missing client_email and no id given")
	}
	return sa, nil
}
