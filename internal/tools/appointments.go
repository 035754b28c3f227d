package tools

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/jarvis/internal/observe"
	"github.com/MrWong99/jarvis/internal/resilience"
	"github.com/MrWong99/jarvis/pkg/calendar"
	"github.com/MrWong99/jarvis/pkg/provider/llm"
	"github.com/MrWong99/jarvis/pkg/store"
)

// Tool names.
const (
	CheckAvailability = "check_availability"
	BookAppointment   = "book_appointment"
)

// Meeting types accepted by book_appointment.
const (
	MeetingOnline   = "online"
	MeetingPhone    = "phone"
	MeetingInPerson = "in-person"
)

const (
	defaultSlotMinutes = 60
	bookingDuration    = 30 * time.Minute

	// displayLayout renders times in replies read back to the user.
	displayLayout = "2006-01-02 15:04:05"

	msgCheckFailed = "Could not check calendar availability. Please try again or contact support."
	msgBooked      = "Appointment confirmed. Invitation sent."
	msgBookFailed  = "Google API failed to create event."
)

// timeLayouts are tried in order when parsing ISO 8601 input. Layouts
// without an offset are read in the configured location.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// Appointments provides the calendar booking tools.
type Appointments struct {
	cal     calendar.Calendar
	store   store.AppointmentStore
	breaker *resilience.CircuitBreaker
	loc     *time.Location
}

// AppointmentsOption configures [NewAppointments].
type AppointmentsOption func(*Appointments)

// WithLocation sets the zone for times given without an offset. Defaults to
// UTC.
func WithLocation(loc *time.Location) AppointmentsOption {
	return func(a *Appointments) { a.loc = loc }
}

// WithBreaker guards calendar calls with cb instead of a default breaker.
func WithBreaker(cb *resilience.CircuitBreaker) AppointmentsOption {
	return func(a *Appointments) { a.breaker = cb }
}

// NewAppointments returns the booking tools over cal. st may be nil, in
// which case bookings are not recorded locally.
func NewAppointments(cal calendar.Calendar, st store.AppointmentStore, opts ...AppointmentsOption) *Appointments {
	a := &Appointments{cal: cal, store: st, loc: time.UTC}
	for _, o := range opts {
		o(a)
	}
	if a.breaker == nil {
		a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "calendar"})
	}
	return a
}

// Tools returns check_availability and book_appointment.
func (a *Appointments) Tools() []Tool {
	return []Tool{
		{
			Definition: llm.ToolDefinition{
				Name:        CheckAvailability,
				Description: "Check if a specific date and time slot is available.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"date_time": map[string]any{
							"type":        "string",
							"description": "ISO 8601 date time (e.g. 2023-10-27T14:00:00)",
						},
						"duration_minutes": map[string]any{
							"type":        "integer",
							"description": "Length of the slot in minutes. Defaults to 60.",
						},
					},
					"required": []string{"date_time"},
				},
			},
			Handler: a.checkAvailability,
		},
		{
			Definition: llm.ToolDefinition{
				Name:        BookAppointment,
				Description: "Book a meeting after confirming availability.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"user_name":  map[string]any{"type": "string"},
						"user_email": map[string]any{"type": "string"},
						"start_time": map[string]any{"type": "string"},
						"meeting_type": map[string]any{
							"type": "string",
							"enum": []string{MeetingOnline, MeetingPhone, MeetingInPerson},
						},
						"notes": map[string]any{"type": "string"},
					},
					"required": []string{"user_name", "user_email", "start_time"},
				},
			},
			Handler: a.bookAppointment,
		},
	}
}

type availabilityArgs struct {
	DateTime        string `json:"date_time"`
	DurationMinutes *int   `json:"duration_minutes"`
}

func (a *Appointments) checkAvailability(ctx context.Context, inv Invocation) (Result, error) {
	var args availabilityArgs
	if err := decodeArgs(inv.Arguments, &args); err != nil {
		return Result{}, err
	}
	start, err := a.parseTime(args.DateTime)
	if err != nil {
		return Result{}, fmt.Errorf("invalid date_time: %w", err)
	}
	minutes := defaultSlotMinutes
	if args.DurationMinutes != nil {
		minutes = *args.DurationMinutes
	}
	if minutes <= 0 {
		return Result{}, fmt.Errorf("duration_minutes must be positive, got %d", minutes)
	}

	avail := calendar.Unknown
	err = a.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		avail, err = a.cal.CheckSlot(ctx, start, start.Add(time.Duration(minutes)*time.Minute))
		return err
	})
	if err != nil {
		observe.SessionLogger(ctx, inv.SessionID).Warn("tools: availability check failed", "err", err)
	}

	at := start.Format(displayLayout)
	switch avail {
	case calendar.Available:
		return Result{Status: StatusAvailable, Msg: fmt.Sprintf("The slot at %s for %d minutes is free.", at, minutes)}, nil
	case calendar.Busy:
		return Result{Status: StatusBusy, Msg: fmt.Sprintf("Sorry, %s is already booked. Please choose another time.", at)}, nil
	default:
		return Result{Status: StatusError, Msg: msgCheckFailed}, nil
	}
}

type bookingArgs struct {
	UserName    string `json:"user_name"`
	UserEmail   string `json:"user_email"`
	StartTime   string `json:"start_time"`
	MeetingType string `json:"meeting_type"`
	Notes       string `json:"notes"`
}

func (a *Appointments) bookAppointment(ctx context.Context, inv Invocation) (Result, error) {
	var args bookingArgs
	if err := decodeArgs(inv.Arguments, &args); err != nil {
		return Result{}, err
	}

	var missing []string
	for _, f := range []struct{ name, value string }{
		{"user_name", args.UserName},
		{"user_email", args.UserEmail},
		{"start_time", args.StartTime},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return Result{}, fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}

	meetingType := cmp.Or(args.MeetingType, MeetingOnline)
	switch meetingType {
	case MeetingOnline, MeetingPhone, MeetingInPerson:
	default:
		return Result{}, fmt.Errorf("invalid meeting_type %q", meetingType)
	}

	start, err := a.parseTime(args.StartTime)
	if err != nil {
		return Result{}, fmt.Errorf("invalid start_time: %w", err)
	}
	end := start.Add(bookingDuration)

	desc := fmt.Sprintf("Type: %s\nSession: %s", meetingType, inv.SessionID)
	if notes := strings.TrimSpace(args.Notes); notes != "" {
		desc += "\nNotes: " + notes
	}

	log := observe.SessionLogger(ctx, inv.SessionID)

	var created calendar.CreatedEvent
	err = a.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		created, err = a.cal.CreateEvent(ctx, calendar.Event{
			Summary:       "Meeting: " + args.UserName,
			Description:   desc,
			Start:         start,
			End:           end,
			AttendeeEmail: args.UserEmail,
			WithMeetLink:  meetingType == MeetingOnline,
		})
		return err
	})
	if err != nil {
		log.Error("tools: create calendar event", "err", err)
		return Result{Status: StatusError, Msg: msgBookFailed}, nil
	}

	if err := a.record(ctx, store.Appointment{
		SessionID:     inv.SessionID,
		UserEmail:     args.UserEmail,
		UserName:      args.UserName,
		StartTime:     start,
		EndTime:       end,
		MeetingType:   meetingType,
		GoogleEventID: created.ID,
		Status:        store.StatusConfirmed,
	}); err != nil {
		log.Warn("tools: booking succeeded but recording it failed", "err", err, "event_id", created.ID)
	}

	log.Info("tools: appointment booked", "event_id", created.ID, "start", start)
	return Result{Status: StatusSuccess, Msg: msgBooked, Link: created.HTMLLink}, nil
}

// record saves a confirmed booking. The calendar event already exists, so a
// panicking store is reported as an error like any other failure.
func (a *Appointments) record(ctx context.Context, appt store.Appointment) (err error) {
	if a.store == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("save appointment panicked: %v", r)
		}
	}()
	return a.store.SaveAppointment(ctx, appt)
}

func (a *Appointments) parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty time")
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, a.loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%q is not an ISO 8601 date time", s)
}

func decodeArgs(raw string, v any) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = "{}"
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
