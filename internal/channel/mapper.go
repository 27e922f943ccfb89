package channel

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"schoolcast/internal/school"
	logx "schoolcast/pkg/logx"
)

// Connections is the read-only source of channel links.
//
// Implementations may return inactive or foreign-provider rows; the mapper
// filters them.
type Connections interface {
	UserConnections(ctx context.Context, userIDs []int64, provider school.ChannelProvider) ([]school.ChannelConnection, error)
	SchoolConnections(ctx context.Context, schoolID int64, provider school.ChannelProvider) ([]school.ChannelConnection, error)
}

// Pair is one (recipient, sender) address pair: the unit of dispatch.
type Pair struct {
	Recipient string
	Sender    string
}

// ConversationKey identifies the logical conversation of p.
//
// The recipient key is length-prefixed so two different pairs can never share
// a key, whatever characters the channel keys contain.
func (p Pair) ConversationKey() string {
	var b strings.Builder
	b.Grow(len(p.Recipient) + len(p.Sender) + 8)
	b.WriteString(strconv.Itoa(len(p.Recipient)))
	b.WriteByte(':')
	b.WriteString(p.Recipient)
	b.WriteByte('-')
	b.WriteString(p.Sender)
	return b.String()
}

func (p Pair) String() string { return p.Recipient + "<-" + p.Sender }

type Mapper struct {
	conns    Connections
	provider school.ChannelProvider
	log      logx.Logger
}

func NewMapper(conns Connections, provider school.ChannelProvider, log logx.Logger) *Mapper {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Mapper{conns: conns, provider: provider, log: log}
}

func (m *Mapper) Provider() school.ChannelProvider { return m.provider }

// Map returns the cross product of the users' active recipient keys and the
// school's active sender keys, de-duplicated and sorted.
//
// Users without an eligible connection contribute nothing.
func (m *Mapper) Map(ctx context.Context, schoolID int64, users []int64) ([]Pair, error) {
	if len(users) == 0 {
		return nil, nil
	}
	senders, err := m.conns.SchoolConnections(ctx, schoolID, m.provider)
	if err != nil {
		return nil, fmt.Errorf("school connections: %w", err)
	}
	senderKeys := m.eligibleKeys(senders, nil)
	if len(senderKeys) == 0 {
		m.log.Warn("school has no active channel connection", logx.Int64("school", schoolID), logx.String("provider", string(m.provider)))
		return nil, nil
	}

	recipients, err := m.conns.UserConnections(ctx, users, m.provider)
	if err != nil {
		return nil, fmt.Errorf("user connections: %w", err)
	}
	wanted := make(map[int64]bool, len(users))
	for _, id := range users {
		wanted[id] = true
	}
	recipientKeys := m.eligibleKeys(recipients, wanted)

	pairs := make([]Pair, 0, len(recipientKeys)*len(senderKeys))
	for _, rk := range recipientKeys {
		for _, sk := range senderKeys {
			pairs = append(pairs, Pair{Recipient: rk, Sender: sk})
		}
	}
	m.log.Debug("recipients mapped",
		logx.Int64("school", schoolID),
		logx.Int("users", len(users)),
		logx.Int("recipient_keys", len(recipientKeys)),
		logx.Int("sender_keys", len(senderKeys)),
		logx.Int("pairs", len(pairs)),
	)
	return pairs, nil
}

// eligibleKeys keeps active connections on the mapper's provider. When owners
// is non-nil, only those owners are kept.
func (m *Mapper) eligibleKeys(conns []school.ChannelConnection, owners map[int64]bool) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(conns))
	for _, c := range conns {
		if c.Provider != m.provider || !c.Active() {
			continue
		}
		if owners != nil && !owners[c.OwnerID] {
			continue
		}
		key := strings.TrimSpace(c.Key)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
