package telegram

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"schoolcast/internal/delivery"
	"schoolcast/internal/transport"
	logx "schoolcast/pkg/logx"
)

type sent struct {
	to   string
	text string
	opt  *tele.SendOptions
}

type fakeSender struct {
	calls []sent
	err   error
}

func (f *fakeSender) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	s := sent{to: to.Recipient(), text: what.(string)}
	for _, o := range opts {
		if so, ok := o.(*tele.SendOptions); ok {
			s.opt = so
		}
	}
	f.calls = append(f.calls, s)
	return &tele.Message{ID: len(f.calls)}, nil
}

func ref(user string) transport.ConversationReference {
	return transport.ConversationReference{
		ChannelID:      ChannelID,
		BotID:          "school-bot",
		UserID:         user,
		ConversationID: "3:" + user + "-school-bot",
	}
}

func TestContinueConversationSendsAnnouncement(t *testing.T) {
	fs := &fakeSender{}
	tr := NewWithSender(Config{}, fs, logx.Nop())

	err := tr.ContinueConversation(context.Background(), "app", ref("424242"), delivery.Announcement("exam moved", delivery.Options{}))
	require.NoError(t, err)

	require.Len(t, fs.calls, 1)
	c := fs.calls[0]
	assert.Equal(t, "424242", c.to)
	assert.Equal(t, delivery.DefaultLabel+"exam moved", c.text)
	require.NotNil(t, c.opt)
	assert.False(t, c.opt.DisableNotification)
	require.NotNil(t, c.opt.ReplyMarkup)
	assert.Equal(t, delivery.DefaultQuickReply, c.opt.ReplyMarkup.ReplyKeyboard[0][0].Text)
	assert.True(t, c.opt.ReplyMarkup.OneTimeKeyboard)
}

func TestSilentNotificationTypes(t *testing.T) {
	for _, nt := range []transport.NotificationType{transport.NotificationSilentPush, transport.NotificationNoPush} {
		t.Run(string(nt), func(t *testing.T) {
			fs := &fakeSender{}
			tr := NewWithSender(Config{}, fs, logx.Nop())
			cb := delivery.Announcement("hi", delivery.Options{NotificationType: nt})
			require.NoError(t, tr.ContinueConversation(context.Background(), "app", ref("1"), cb))
			require.Len(t, fs.calls, 1)
			assert.True(t, fs.calls[0].opt.DisableNotification)
		})
	}
}

func TestLongTextIsOneTruncatedMessage(t *testing.T) {
	fs := &fakeSender{}
	tr := NewWithSender(Config{}, fs, logx.Nop())
	long := strings.Repeat("a", textLimit+10)

	require.NoError(t, tr.ContinueConversation(context.Background(), "app", ref("7"), delivery.Announcement(long, delivery.Options{})))
	require.Len(t, fs.calls, 1)
	assert.Equal(t, textLimit, utf8.RuneCountInString(fs.calls[0].text))
	assert.True(t, strings.HasSuffix(fs.calls[0].text, ellipsis))
	assert.NotNil(t, fs.calls[0].opt.ReplyMarkup)
}

func TestContinueConversationErrors(t *testing.T) {
	t.Run("non numeric user", func(t *testing.T) {
		tr := NewWithSender(Config{}, &fakeSender{}, logx.Nop())
		err := tr.ContinueConversation(context.Background(), "app", ref("abc"), delivery.Announcement("x", delivery.Options{}))
		assert.ErrorIs(t, err, ErrBadReference)
	})

	t.Run("send failure surfaces", func(t *testing.T) {
		boom := errors.New("forbidden: bot was blocked by the user")
		tr := NewWithSender(Config{}, &fakeSender{err: boom}, logx.Nop())
		err := tr.ContinueConversation(context.Background(), "app", ref("5"), delivery.Announcement("x", delivery.Options{}))
		assert.ErrorIs(t, err, boom)
	})

	t.Run("cancelled context", func(t *testing.T) {
		fs := &fakeSender{}
		tr := NewWithSender(Config{}, fs, logx.Nop())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := tr.ContinueConversation(ctx, "app", ref("5"), delivery.Announcement("x", delivery.Options{}))
		assert.ErrorIs(t, err, context.Canceled)
		assert.Empty(t, fs.calls)
	})
}

func TestStartIsNoopWithoutBot(t *testing.T) {
	tr := NewWithSender(Config{}, &fakeSender{}, logx.Nop())
	require.NoError(t, tr.Start(context.Background(), []string{delivery.DefaultQuickReply}))
	assert.Nil(t, tr.Supervisor())
	require.NoError(t, tr.Stop(context.Background()))
}
