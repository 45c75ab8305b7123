// Package httpbridge talks to a messaging gateway that holds the platform
// sessions. Each identity gets its own gateway session.
package httpbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bnema/enrollctl/internal/domain"
	"github.com/bnema/enrollctl/internal/ports"
	"golang.org/x/time/rate"
)

const maxBridgeResponseBytes = 1 << 20

// Error codes the gateway reports in its error body.
const (
	codeNotFound          = "NOT_FOUND"
	codeFloodWait         = "FLOOD_WAIT"
	codePeerFlood         = "PEER_FLOOD"
	codePrivacyRestricted = "PRIVACY_RESTRICTED"
	codeNotMutualContact  = "NOT_MUTUAL_CONTACT"
	codeNotParticipant    = "NOT_PARTICIPANT"
	codeSessionBusy       = "SESSION_BUSY"
	codeConnectionLost    = "CONNECTION_LOST"
)

// Dialer opens gateway sessions. Limiter, when set, paces every request made
// by the sessions it opens.
type Dialer struct {
	BaseURL        string
	Token          string
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	Limiter        *rate.Limiter
}

var _ ports.Dialer = Dialer{}

type openSessionRequest struct {
	Identity   string `json:"identity"`
	Credential string `json:"credential"`
}

type openSessionResponse struct {
	Session string `json:"session"`
}

type entityPayload struct {
	ID       string     `json:"id"`
	Handle   string     `json:"handle"`
	Kind     string     `json:"kind"`
	Status   string     `json:"status,omitempty"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

type membershipResponse struct {
	Member bool `json:"member"`
}

type bridgeErrorResponse struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	WaitSeconds int    `json:"wait_seconds"`
}

func (d Dialer) Dial(ctx context.Context, identity domain.Identity, credential string) (ports.Messenger, error) {
	if strings.TrimSpace(credential) == "" {
		return nil, fmt.Errorf("dial %s: credential is required", identity.ID)
	}

	var opened openSessionResponse
	err := d.do(ctx, http.MethodPost, "/v1/sessions", openSessionRequest{
		Identity:   string(identity.ID),
		Credential: credential,
	}, &opened)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", identity.ID, err)
	}
	if opened.Session == "" {
		return nil, fmt.Errorf("dial %s: gateway returned no session", identity.ID)
	}

	return &Session{dialer: d, id: opened.Session}, nil
}

// Session is one identity's open gateway session.
type Session struct {
	dialer Dialer
	id     string
}

var _ ports.Messenger = (*Session)(nil)

func (s *Session) Self(ctx context.Context) (domain.Entity, error) {
	var payload entityPayload
	if err := s.call(ctx, "self", nil, &payload); err != nil {
		return domain.Entity{}, fmt.Errorf("resolve self: %w", err)
	}
	return payload.entity(), nil
}

func (s *Session) ResolveEntity(ctx context.Context, handle string) (domain.Entity, error) {
	var payload entityPayload
	if err := s.call(ctx, "resolve", map[string]string{"handle": handle}, &payload); err != nil {
		return domain.Entity{}, fmt.Errorf("resolve %s: %w", handle, err)
	}
	return payload.entity(), nil
}

func (s *Session) GetMembership(ctx context.Context, group domain.Entity, target domain.Entity) (domain.Membership, error) {
	var resp membershipResponse
	err := s.call(ctx, "membership", map[string]string{"group": group.ID, "target": target.ID}, &resp)
	if err != nil {
		return "", fmt.Errorf("membership of %s: %w", target.Handle, err)
	}
	if resp.Member {
		return domain.MembershipMember, nil
	}
	return domain.MembershipNotMember, nil
}

func (s *Session) JoinGroup(ctx context.Context, group domain.Entity) error {
	if err := s.call(ctx, "join", map[string]string{"group": group.ID}, nil); err != nil {
		return fmt.Errorf("join %s: %w", group.Handle, err)
	}
	return nil
}

func (s *Session) Invite(ctx context.Context, group domain.Entity, target domain.Entity) error {
	if err := s.call(ctx, "invite", map[string]string{"group": group.ID, "target": target.ID}, nil); err != nil {
		return fmt.Errorf("invite %s: %w", target.Handle, err)
	}
	return nil
}

// Close ends the gateway session. It never blocks longer than the request timeout.
func (s *Session) Close() error {
	if err := s.dialer.do(context.Background(), http.MethodDelete, "/v1/sessions/"+url.PathEscape(s.id), nil, nil); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

func (s *Session) call(ctx context.Context, action string, body any, out any) error {
	return s.dialer.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(s.id)+"/"+action, body, out)
}

func (d Dialer) do(ctx context.Context, method string, path string, body any, out any) error {
	endpoint, err := buildAPIURL(d.BaseURL, path)
	if err != nil {
		return err
	}

	if d.Limiter != nil {
		if err := d.Limiter.Wait(ctx); err != nil {
			return err
		}
	}

	requestCtx, cancel := d.requestContext(ctx)
	defer cancel()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(requestCtx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if d.Token != "" {
		req.Header.Set("Authorization", "Bearer "+d.Token)
	}

	resp, err := d.httpClient().Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrConnectionLost, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return decodeBridgeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBridgeResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (d Dialer) httpClient() *http.Client {
	if d.HTTPClient != nil {
		return d.HTTPClient
	}
	return http.DefaultClient
}

func (d Dialer) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}

	requestTimeout := d.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}

	return context.WithTimeout(ctx, requestTimeout)
}

func decodeBridgeError(resp *http.Response) error {
	var bridgeErr bridgeErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBridgeResponseBytes)).Decode(&bridgeErr); err != nil {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return classify(resp.StatusCode, bridgeErr)
}

// classify maps a gateway error body onto the messaging taxonomy. Unknown codes
// keep the gateway message so a wait hint in free text can still be decoded.
func classify(statusCode int, bridgeErr bridgeErrorResponse) error {
	detail := bridgeErr.Message
	switch bridgeErr.Code {
	case codeFloodWait:
		if bridgeErr.WaitSeconds > 0 {
			return domain.NewRateLimited(bridgeErr.WaitSeconds)
		}
	case codeNotFound:
		return wrapDetail(domain.ErrNotFound, detail)
	case codePeerFlood:
		return wrapDetail(domain.ErrSpamFlood, detail)
	case codePrivacyRestricted:
		return wrapDetail(domain.ErrPrivacyRestricted, detail)
	case codeNotMutualContact:
		return wrapDetail(domain.ErrNotMutualContact, detail)
	case codeNotParticipant:
		return wrapDetail(domain.ErrNotParticipant, detail)
	case codeSessionBusy:
		return wrapDetail(domain.ErrContention, detail)
	case codeConnectionLost:
		return wrapDetail(domain.ErrConnectionLost, detail)
	}

	switch {
	case bridgeErr.Code == "" && detail == "":
		return fmt.Errorf("status %d", statusCode)
	case detail == "":
		return errors.New(bridgeErr.Code)
	case bridgeErr.Code == "":
		return errors.New(detail)
	default:
		return fmt.Errorf("%s: %s", bridgeErr.Code, detail)
	}
}

func wrapDetail(kind error, detail string) error {
	if detail == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, detail)
}

func (p entityPayload) entity() domain.Entity {
	entity := domain.Entity{
		ID:     p.ID,
		Handle: p.Handle,
		Kind:   entityKind(p.Kind),
		Activity: domain.Activity{
			Kind: activityKind(p.Status),
		},
	}
	if p.LastSeen != nil {
		entity.Activity.LastSeen = p.LastSeen.UTC()
	}
	return entity
}

func entityKind(kind string) domain.EntityKind {
	switch domain.EntityKind(strings.ToLower(kind)) {
	case domain.EntityUser:
		return domain.EntityUser
	case domain.EntityGroup:
		return domain.EntityGroup
	case domain.EntityChannel:
		return domain.EntityChannel
	default:
		return domain.EntityOther
	}
}

func activityKind(status string) domain.ActivityKind {
	switch kind := domain.ActivityKind(strings.ToLower(status)); kind {
	case domain.ActivityEmpty, domain.ActivityOnline, domain.ActivityOffline,
		domain.ActivityRecently, domain.ActivityLastWeek, domain.ActivityLastMonth:
		return kind
	default:
		return domain.ActivityUnknown
	}
}

func buildAPIURL(baseURL string, path string) (string, error) {
	if baseURL == "" {
		return "", errors.New("bridge base url is required")
	}

	parsed, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse bridge base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", errors.New("bridge base url must use http or https")
	}
	if parsed.Host == "" {
		return "", errors.New("bridge base url host is required")
	}

	endpoint, err := parsed.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parse bridge path: %w", err)
	}
	return endpoint.String(), nil
}
