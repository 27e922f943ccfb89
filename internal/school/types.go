package school

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned by stores for an unknown broadcast id.
var ErrNotFound = errors.New("broadcast not found")

type Visibility string

const (
	VisibilityHidden Visibility = "hidden"
	VisibilityGroup  Visibility = "group"
	VisibilityGlobal Visibility = "global"
)

type Audience string

const (
	AudienceNone            Audience = "none"
	AudienceStudents        Audience = "students"
	AudienceParents         Audience = "parents"
	AudienceStaff           Audience = "staff"
	AudienceStudentsParents Audience = "students_parents"
	AudienceStudentsStaff   Audience = "students_staff"
	AudienceParentsStaff    Audience = "parents_staff"
	AudienceAll             Audience = "all"
)

// AudienceEveryone is the legacy name of AudienceAll.
const AudienceEveryone = AudienceAll

type Status string

const (
	StatusIdle       Status = "idle"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether s ends a send attempt.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Daypart is a time-of-day window used to batch-trigger scheduled broadcasts.
type Daypart string

const (
	DaypartNow       Daypart = "now"
	DaypartMorning   Daypart = "morning"
	DaypartNoon      Daypart = "noon"
	DaypartAfternoon Daypart = "afternoon"
	DaypartEvening   Daypart = "evening"
	DaypartNight     Daypart = "night"
)

var dayparts = []Daypart{DaypartNow, DaypartMorning, DaypartNoon, DaypartAfternoon, DaypartEvening, DaypartNight}

// Dayparts lists all known dayparts in chronological order.
func Dayparts() []Daypart { return append([]Daypart(nil), dayparts...) }

// ParseDaypart accepts a daypart name case-insensitively.
func ParseDaypart(raw string) (Daypart, error) {
	s := Daypart(strings.ToLower(strings.TrimSpace(raw)))
	for _, d := range dayparts {
		if d == s {
			return d, nil
		}
	}
	return "", fmt.Errorf("unknown daypart %q", raw)
}

// Broadcast is a single announcement record.
//
// CourseID is only meaningful when Visibility is VisibilityGroup.
type Broadcast struct {
	ID         int64
	SchoolID   int64
	CourseID   *int64
	Message    string
	Visibility Visibility
	Audience   Audience
	Daypart    Daypart
	ScheduleAt time.Time // date part only
	Status     Status
	SentAt     *time.Time
}

// Sendable reports whether the record can ever produce recipients.
func (b Broadcast) Sendable() bool {
	return b.Visibility != VisibilityHidden && b.Audience != AudienceNone
}

// ChannelProvider names a proactive-messaging channel.
type ChannelProvider string

const (
	ProviderTelegram ChannelProvider = "telegram"
	ProviderFacebook ChannelProvider = "facebook"
)

// ChannelConnection links a user (or a school) to a channel identity.
type ChannelConnection struct {
	OwnerID     int64
	Provider    ChannelProvider
	Key         string
	ActivatedAt *time.Time
}

// Active reports whether the connection is activated.
func (c ChannelConnection) Active() bool { return c.ActivatedAt != nil && !c.ActivatedAt.IsZero() }

type User struct {
	ID          int64
	Name        string
	Roles       []RoleRank
	Connections []ChannelConnection
}
