// Package google implements [calendar.Calendar] on the Google Calendar v3 API.
//
// Credentials come from an OAuth token file. Both the authorized-user JSON
// written by Google's installed-app flow (client_id, client_secret,
// refresh_token, token_uri) and any typed credentials file understood by
// [google.CredentialsFromJSON] are accepted.
package google

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/MrWong99/jarvis/pkg/calendar"
)

const (
	defaultCalendarID = "primary"
	defaultTimeZone   = "UTC"
	meetSolution      = "hangoutsMeet"
)

var _ calendar.Calendar = (*Calendar)(nil)

// Option configures a [Calendar].
type Option func(*settings)

type settings struct {
	calendarID string
	timeZone   string
	tokenFile  string
	httpClient *http.Client
	endpoint   string
	now        func() time.Time
}

// WithCalendarID selects the calendar. Defaults to "primary".
func WithCalendarID(id string) Option {
	return func(s *settings) { s.calendarID = id }
}

// WithTimeZone sets the zone events and free/busy queries are expressed in.
// Defaults to "UTC".
func WithTimeZone(tz string) Option {
	return func(s *settings) { s.timeZone = tz }
}

// WithTokenFile loads OAuth credentials from path.
func WithTokenFile(path string) Option {
	return func(s *settings) { s.tokenFile = path }
}

// WithHTTPClient uses c for every API request instead of an OAuth client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *settings) { s.httpClient = c }
}

// WithEndpoint overrides the API base URL. Used by tests.
func WithEndpoint(u string) Option {
	return func(s *settings) { s.endpoint = u }
}

// WithClock replaces time.Now for conference request ids.
func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

// Calendar is the Google-backed [calendar.Calendar].
type Calendar struct {
	svc        *gcal.Service
	calendarID string
	timeZone   string
	now        func() time.Time
}

// New builds the API client. Either WithTokenFile or WithHTTPClient must be
// given.
func New(ctx context.Context, opts ...Option) (*Calendar, error) {
	s := settings{now: time.Now}
	for _, o := range opts {
		o(&s)
	}

	client := s.httpClient
	if client == nil {
		if s.tokenFile == "" {
			return nil, errors.New("google calendar: token file is required")
		}
		var err error
		client, err = clientFromTokenFile(ctx, s.tokenFile)
		if err != nil {
			return nil, err
		}
	}

	clientOpts := []option.ClientOption{option.WithHTTPClient(client)}
	if s.endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(s.endpoint))
	}
	svc, err := gcal.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("google calendar: new service: %w", err)
	}

	return &Calendar{
		svc:        svc,
		calendarID: cmp.Or(s.calendarID, defaultCalendarID),
		timeZone:   cmp.Or(s.timeZone, defaultTimeZone),
		now:        s.now,
	}, nil
}

// authorizedUser is the token file layout of Google's Python client.
type authorizedUser struct {
	Type         string    `json:"type"`
	Token        string    `json:"token"`
	RefreshToken string    `json:"refresh_token"`
	TokenURI     string    `json:"token_uri"`
	ClientID     string    `json:"client_id"`
	ClientSecret string    `json:"client_secret"`
	Scopes       []string  `json:"scopes"`
	Expiry       time.Time `json:"expiry"`
}

func clientFromTokenFile(ctx context.Context, path string) (*http.Client, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("google calendar: read token file: %w", err)
	}

	var au authorizedUser
	if err := json.Unmarshal(data, &au); err != nil {
		return nil, fmt.Errorf("google calendar: parse token file: %w", err)
	}

	if au.Type != "" {
		creds, err := google.CredentialsFromJSON(ctx, data, gcal.CalendarScope)
		if err != nil {
			return nil, fmt.Errorf("google calendar: credentials: %w", err)
		}
		return oauth2.NewClient(ctx, creds.TokenSource), nil
	}

	if au.RefreshToken == "" || au.ClientID == "" {
		return nil, errors.New("google calendar: token file lacks refresh_token or client_id")
	}
	endpoint := google.Endpoint
	if au.TokenURI != "" {
		endpoint.TokenURL = au.TokenURI
	}
	scopes := au.Scopes
	if len(scopes) == 0 {
		scopes = []string{gcal.CalendarScope}
	}
	cfg := &oauth2.Config{
		ClientID:     au.ClientID,
		ClientSecret: au.ClientSecret,
		Endpoint:     endpoint,
		Scopes:       scopes,
	}
	tok := &oauth2.Token{
		AccessToken:  au.Token,
		RefreshToken: au.RefreshToken,
		Expiry:       au.Expiry,
	}
	return cfg.Client(ctx, tok), nil
}

// CheckSlot implements [calendar.Calendar] with a free/busy query. The slot
// is free only when the calendar reports no busy periods in it.
func (c *Calendar) CheckSlot(ctx context.Context, start, end time.Time) (calendar.Availability, error) {
	if !end.After(start) {
		return calendar.Unknown, calendar.ErrInvalidRange
	}

	req := &gcal.FreeBusyRequest{
		TimeMin:  start.UTC().Format(time.RFC3339),
		TimeMax:  end.UTC().Format(time.RFC3339),
		TimeZone: c.timeZone,
		Items:    []*gcal.FreeBusyRequestItem{{Id: c.calendarID}},
	}
	resp, err := c.svc.Freebusy.Query(req).Context(ctx).Do()
	if err != nil {
		return calendar.Unknown, fmt.Errorf("google calendar: freebusy: %w", err)
	}

	cal, ok := resp.Calendars[c.calendarID]
	if !ok {
		return calendar.Unknown, fmt.Errorf("google calendar: freebusy: calendar %q missing from response", c.calendarID)
	}
	if len(cal.Errors) > 0 {
		return calendar.Unknown, fmt.Errorf("google calendar: freebusy: %s", cal.Errors[0].Reason)
	}
	if len(cal.Busy) > 0 {
		return calendar.Busy, nil
	}
	return calendar.Available, nil
}

// CreateEvent implements [calendar.Calendar]. Invitations go to every
// attendee.
func (c *Calendar) CreateEvent(ctx context.Context, ev calendar.Event) (calendar.CreatedEvent, error) {
	if !ev.End.After(ev.Start) {
		return calendar.CreatedEvent{}, calendar.ErrInvalidRange
	}

	event := &gcal.Event{
		Summary:     ev.Summary,
		Description: ev.Description,
		Start:       &gcal.EventDateTime{DateTime: ev.Start.Format(time.RFC3339), TimeZone: c.timeZone},
		End:         &gcal.EventDateTime{DateTime: ev.End.Format(time.RFC3339), TimeZone: c.timeZone},
		Reminders:   &gcal.EventReminders{UseDefault: true},
	}
	if ev.AttendeeEmail != "" {
		event.Attendees = []*gcal.EventAttendee{{Email: ev.AttendeeEmail}}
	}
	if ev.WithMeetLink {
		event.ConferenceData = &gcal.ConferenceData{
			CreateRequest: &gcal.CreateConferenceRequest{
				RequestId:             "req-" + strconv.FormatInt(c.now().Unix(), 10),
				ConferenceSolutionKey: &gcal.ConferenceSolutionKey{Type: meetSolution},
			},
		}
	}

	created, err := c.svc.Events.Insert(c.calendarID, event).
		ConferenceDataVersion(1).
		SendUpdates("all").
		Context(ctx).
		Do()
	if err != nil {
		return calendar.CreatedEvent{}, fmt.Errorf("google calendar: insert event: %w", err)
	}
	return calendar.CreatedEvent{
		ID:       created.Id,
		HTMLLink: created.HtmlLink,
		MeetLink: created.HangoutLink,
	}, nil
}
