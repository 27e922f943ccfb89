package broadcast

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"schoolcast/internal/school"
)

func TestDecide(t *testing.T) {
	sendable := func(s school.Status) school.Broadcast {
		return school.Broadcast{Status: s, Visibility: school.VisibilityGlobal, Audience: school.AudienceAll}
	}
	tests := []struct {
		name    string
		b       school.Broadcast
		force   bool
		proceed bool
		reason  SkipReason
	}{
		{name: "idle", b: sendable(school.StatusIdle), proceed: true},
		{name: "failed retries", b: sendable(school.StatusFailed), proceed: true},
		{name: "succeeded", b: sendable(school.StatusSucceeded), reason: SkipCompleted},
		{name: "cancelled", b: sendable(school.StatusCancelled), reason: SkipCompleted},
		{name: "succeeded forced", b: sendable(school.StatusSucceeded), force: true, proceed: true},
		{name: "cancelled forced", b: sendable(school.StatusCancelled), force: true, proceed: true},
		{name: "processing", b: sendable(school.StatusProcessing), reason: SkipInProgress},
		{name: "stale processing forced", b: sendable(school.StatusProcessing), force: true, proceed: true},
		{
			name:   "hidden forced",
			b:      school.Broadcast{Status: school.StatusIdle, Visibility: school.VisibilityHidden, Audience: school.AudienceAll},
			force:  true,
			reason: SkipUnsendable,
		},
		{
			name:   "no audience",
			b:      school.Broadcast{Status: school.StatusFailed, Visibility: school.VisibilityGroup, Audience: school.AudienceNone},
			reason: SkipUnsendable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.b, tt.force)
			assert.Equal(t, tt.proceed, d.Proceed)
			assert.Equal(t, tt.reason, d.Reason)
			if d.Proceed {
				assert.Contains(t, d.From, tt.b.Status)
				assert.True(t, CanTransition(tt.b.Status, school.StatusProcessing))
			}
		})
	}
}

func TestForceWidensStartStatuses(t *testing.T) {
	b := school.Broadcast{Status: school.StatusIdle, Visibility: school.VisibilityGlobal, Audience: school.AudienceAll}
	assert.ElementsMatch(t, []school.Status{school.StatusIdle, school.StatusFailed}, Decide(b, false).From)
	assert.ElementsMatch(t, []school.Status{school.StatusIdle, school.StatusFailed, school.StatusSucceeded, school.StatusCancelled, school.StatusProcessing}, Decide(b, true).From)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(school.StatusProcessing, school.StatusSucceeded))
	assert.True(t, CanTransition(school.StatusProcessing, school.StatusFailed))
	assert.True(t, CanTransition(school.StatusIdle, school.StatusFailed))
	assert.False(t, CanTransition(school.StatusIdle, school.StatusSucceeded))
	assert.False(t, CanTransition(school.StatusProcessing, school.StatusCancelled))
	assert.False(t, CanTransition(school.StatusSucceeded, school.StatusFailed))
}
