package notifier_test

import (
	"encoding/json"
	"github.com/clambin/sprinkler/internal/notifier"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"
)

func TestNotifiers_Notify(t *testing.T) {
	tests := []struct {
		name  string
		event notifier.Event
		color string
		title string
		text  string
	}{
		{
			name:  "started",
			event: notifier.Event{Type: notifier.Started, Section: "front lawn", Duration: 10 * time.Minute, Reason: "daily schedule"},
			color: "good",
			title: "watering front lawn for 10m0s",
			text:  "daily schedule",
		},
		{
			name:  "done",
			event: notifier.Event{Type: notifier.Done, Reason: "all sections watered"},
			color: "good",
			title: "watering done",
			text:  "all sections watered",
		},
		{
			name:  "stopped",
			event: notifier.Event{Type: notifier.Stopped, Reason: "stop requested"},
			color: "good",
			title: "watering stopped",
			text:  "stop requested",
		},
		{
			name:  "fault",
			event: notifier.Event{Type: notifier.Fault, Reason: "close all valves: pin 17 stuck"},
			color: "danger",
			title: "valve fault",
			text:  "close all valves: pin 17 stuck",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			sender := fakeSlackSender{channels: []slack.Channel{
				makeChannel("C1", "sprinkler", true, false),
				makeChannel("C2", "general", false, false),
				makeChannel("C3", "dead", true, true),
			}}
			n := notifier.Notifiers{
				&notifier.SLogNotifier{Logger: slog.New(slog.DiscardHandler)},
				&notifier.SlackNotifier{Logger: slog.New(slog.DiscardHandler), SlackSender: &sender},
			}

			n.Notify(tt.event)

			posts := sender.posts()
			require.Len(t, posts, 1)
			assert.Equal(t, "C1", posts[0].channel)
			require.Len(t, posts[0].attachments, 1)
			assert.Equal(t, tt.color, posts[0].attachments[0].Color)
			assert.Equal(t, tt.title, posts[0].attachments[0].Title)
			assert.Equal(t, tt.text, posts[0].attachments[0].Text)
		})
	}
}

func TestSlackNotifier_CachesUserID(t *testing.T) {
	sender := fakeSlackSender{channels: []slack.Channel{makeChannel("C1", "sprinkler", true, false)}}
	n := notifier.SlackNotifier{Logger: slog.New(slog.DiscardHandler), SlackSender: &sender}

	n.Notify(notifier.Event{Type: notifier.Done})
	n.Notify(notifier.Event{Type: notifier.Done})

	assert.Len(t, sender.posts(), 2)
	assert.Equal(t, 1, sender.authCalls)
}

func makeChannel(id, name string, member, archived bool) slack.Channel {
	var ch slack.Channel
	ch.ID = id
	ch.Name = name
	ch.IsMember = member
	ch.IsArchived = archived
	return ch
}

type post struct {
	channel     string
	attachments []slack.Attachment
}

type fakeSlackSender struct {
	channels  []slack.Channel
	lock      sync.Mutex
	sent      []post
	authCalls int
}

func (f *fakeSlackSender) AuthTest() (*slack.AuthTestResponse, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.authCalls++
	return &slack.AuthTestResponse{UserID: "U12345"}, nil
}

// GetConversations returns the configured channels one at a time, so the
// caller's cursor loop gets exercised.
func (f *fakeSlackSender) GetConversations(params *slack.GetConversationsParameters) ([]slack.Channel, string, error) {
	next, _ := strconv.Atoi(params.Cursor)
	cursor := ""
	if next+1 < len(f.channels) {
		cursor = strconv.Itoa(next + 1)
	}
	return f.channels[next : next+1], cursor, nil
}

func (f *fakeSlackSender) PostMessage(channelID string, options ...slack.MsgOption) (string, string, error) {
	_, values, err := slack.UnsafeApplyMsgOptions("token", channelID, "https://slack.com/api/", options...)
	if err != nil {
		return "", "", err
	}
	var attachments []slack.Attachment
	if v := values.Get("attachments"); v != "" {
		if err = json.Unmarshal([]byte(v), &attachments); err != nil {
			return "", "", err
		}
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	f.sent = append(f.sent, post{channel: channelID, attachments: attachments})
	return "", "", nil
}

func (f *fakeSlackSender) posts() []post {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.sent
}
