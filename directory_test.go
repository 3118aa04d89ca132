package chatsync

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

var (
	ann = User{ID: "1", Username: "ann"}
	bob = User{ID: "2", Username: "bob", Avatar: "https://cdn/bob.png", IsOnline: true}
	cat = User{ID: "3", Username: "cat_lee"}
)

func directConv(id ID, other User) Conversation {
	return Conversation{ID: id, Kind: KindDirect, Participants: []User{ann, other}, OtherParticipant: &other}
}

func groupConv(id ID, name string) Conversation {
	return Conversation{ID: id, Kind: KindGroup, Name: name, Participants: []User{ann, bob, cat}}
}

type listerFunc func(ctx context.Context) ([]Conversation, error)

func (f listerFunc) ListConversations(ctx context.Context) ([]Conversation, error) { return f(ctx) }

type creatorFunc func(ctx context.Context, req *CreateConversationRequest) (*Conversation, error)

func (f creatorFunc) CreateConversation(ctx context.Context, req *CreateConversationRequest) (*Conversation, error) {
	return f(ctx, req)
}

type memberAPI struct {
	added   []ID
	removed []ID
	err     error
}

func (m *memberAPI) AddParticipants(_ context.Context, _ ID, userIDs []ID) ([]ID, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.added = append(m.added, userIDs...)
	return userIDs, nil
}

func (m *memberAPI) RemoveParticipant(_ context.Context, _ ID, userID ID) error {
	if m.err != nil {
		return m.err
	}
	m.removed = append(m.removed, userID)
	return nil
}

func ids(convs []Conversation) []ID {
	var out []ID
	for _, c := range convs {
		out = append(out, c.ID)
	}
	return out
}

func TestDirectoryLoad(t *testing.T) {
	d := NewDirectory(ann.ID)
	snapshot := []Conversation{directConv("1", bob), groupConv("2", "team")}

	require.NoError(t, d.Load(context.Background(), listerFunc(func(context.Context) ([]Conversation, error) {
		return snapshot, nil
	})))
	require.Equal(t, []ID{"1", "2"}, ids(d.List()))

	// a failed reload keeps the previous list
	err := d.Load(context.Background(), listerFunc(func(context.Context) ([]Conversation, error) {
		return nil, errors.New("offline")
	}))
	require.Error(t, err)
	require.Error(t, d.Err())
	require.Equal(t, []ID{"1", "2"}, ids(d.List()))

	d.Replace([]Conversation{groupConv("3", "x")})
	require.NoError(t, d.Err())
	require.Equal(t, []ID{"3"}, ids(d.List()))
}

func TestDirectoryUpsertPreview(t *testing.T) {
	d := NewDirectory(ann.ID)
	d.Replace([]Conversation{directConv("1", bob), groupConv("2", "team"), directConv("3", cat)})
	d.SetActive("1")

	now := time.Now()
	require.True(t, d.UpsertPreview("3", Message{ID: "m1", Sender: cat, Content: "yo", CreatedAt: now}))
	require.Equal(t, []ID{"3", "1", "2"}, ids(d.List()))
	c, _ := d.Get("3")
	require.Equal(t, 1, c.UnreadCount)
	require.Equal(t, "yo", c.LastMessage.Content)

	// redelivery does not count twice
	d.UpsertPreview("3", Message{ID: "m1", Sender: cat, Content: "yo", CreatedAt: now})
	c, _ = d.Get("3")
	require.Equal(t, 1, c.UnreadCount)

	// active conversation and own messages do not bump unread
	d.UpsertPreview("1", Message{ID: "m2", Sender: bob, Content: "hey", CreatedAt: now})
	d.UpsertPreview("2", Message{ID: "m3", Sender: ann, Content: "me", CreatedAt: now})
	require.Equal(t, []ID{"2", "1", "3"}, ids(d.List()))
	c, _ = d.Get("1")
	require.Zero(t, c.UnreadCount)
	c, _ = d.Get("2")
	require.Zero(t, c.UnreadCount)

	require.False(t, d.UpsertPreview("404", Message{ID: "m4", Sender: bob, Content: "?"}))

	d.MarkRead("3")
	c, _ = d.Get("3")
	require.Zero(t, c.UnreadCount)
}

func TestDirectoryCreate(t *testing.T) {
	d := NewDirectory(ann.ID)
	d.Replace([]Conversation{groupConv("2", "team"), directConv("1", bob)})

	var got *CreateConversationRequest
	api := creatorFunc(func(_ context.Context, req *CreateConversationRequest) (*Conversation, error) {
		got = req
		c := directConv("1", bob)
		return &c, nil
	})

	// server hands back the existing direct conversation
	conv, err := d.Create(context.Background(), api, &CreateConversationRequest{ParticipantIDs: []ID{bob.ID}, Kind: KindDirect})
	require.NoError(t, err)
	require.Equal(t, ID("1"), conv.ID)
	require.Equal(t, []ID{bob.ID}, got.ParticipantIDs)
	require.Equal(t, []ID{"1", "2"}, ids(d.List()))
	require.Equal(t, ID("1"), d.Active())

	api = func(context.Context, *CreateConversationRequest) (*Conversation, error) {
		c := groupConv("9", "new")
		return &c, nil
	}
	_, err = d.Create(context.Background(), api, &CreateConversationRequest{Kind: KindGroup})
	require.NoError(t, err)
	require.Equal(t, []ID{"9", "1", "2"}, ids(d.List()))
	require.Equal(t, ID("9"), d.Active())
}

func TestDirectoryPreviewConsistency(t *testing.T) {
	d := NewDirectory(ann.ID)
	d.Replace([]Conversation{directConv("1", bob)})
	d.UpsertPreview("1", Message{ID: "m1", Sender: bob, Content: "tpyo"})

	d.ApplyEdit("1", "m1", "typo")
	c, _ := d.Get("1")
	require.Equal(t, "typo", c.LastMessage.Content)

	d.ApplyEdit("1", "other", "ignored")
	d.ApplyDelete("1", "m1")
	c, _ = d.Get("1")
	require.Equal(t, deletedPlaceholder, c.LastMessage.Content)
}

func TestDirectoryRendering(t *testing.T) {
	t.Run("display name", func(t *testing.T) {
		direct := directConv("1", bob)
		require.Equal(t, "bob", DisplayName(&direct, ann.ID))

		named := directConv("5", bob)
		named.Name = "Project sync"
		require.Equal(t, "Project sync", DisplayName(&named, ann.ID))
		require.Equal(t, Avatar{URL: "https://cdn/bob.png", Initials: "B"}, AvatarFor(&named, ann.ID))

		group := groupConv("2", "team")
		require.Equal(t, "team", DisplayName(&group, ann.ID))

		unnamed := groupConv("3", "")
		require.Equal(t, "bob, cat_lee", DisplayName(&unnamed, ann.ID))

		empty := Conversation{ID: "4", Kind: KindGroup}
		require.Equal(t, "Conversation 4", DisplayName(&empty, ann.ID))
	})

	t.Run("avatar", func(t *testing.T) {
		direct := directConv("1", bob)
		require.Equal(t, Avatar{URL: "https://cdn/bob.png", Initials: "B"}, AvatarFor(&direct, ann.ID))

		noPic := directConv("1", cat)
		require.Equal(t, Avatar{Initials: "CL"}, AvatarFor(&noPic, ann.ID))

		group := groupConv("2", "design team")
		require.Equal(t, Avatar{Initials: "DT"}, AvatarFor(&group, ann.ID))
	})

	t.Run("preview", func(t *testing.T) {
		direct := directConv("1", bob)
		require.Equal(t, "No messages yet", PreviewText(&direct, ann.ID))

		direct.LastMessage = &LastMessage{Content: "short", Sender: "bob", MessageType: MessageText}
		require.Equal(t, "short", PreviewText(&direct, ann.ID))

		direct.LastMessage = &LastMessage{Content: "this line is definitely longer than forty characters", MessageType: MessageText}
		p := PreviewText(&direct, ann.ID)
		require.Equal(t, 40, len([]rune(p)))
		require.Equal(t, "this line is definitely longer than for…", p)

		direct.LastMessage = &LastMessage{MessageType: MessageImage}
		require.Equal(t, "📷 Photo", PreviewText(&direct, ann.ID))
		direct.LastMessage = &LastMessage{MessageType: MessageFile}
		require.Equal(t, "📎 File", PreviewText(&direct, ann.ID))

		group := groupConv("2", "team")
		group.LastMessage = &LastMessage{Content: "lunch?", Sender: "bob", MessageType: MessageText}
		require.Equal(t, "bob: lunch?", PreviewText(&group, ann.ID))
		group.LastMessage = &LastMessage{Sender: "ann", MessageType: MessageImage}
		require.Equal(t, "You: 📷 Photo", PreviewText(&group, ann.ID))
	})

	t.Run("rows", func(t *testing.T) {
		d := NewDirectory(ann.ID)
		now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		conv := directConv("1", bob)
		conv.UnreadCount = 3
		conv.LastMessage = &LastMessage{Content: "hi", Sender: "bob", CreatedAt: now.Add(-5 * time.Minute)}
		d.Replace([]Conversation{conv, groupConv("2", "team")})
		d.SetActive("2")

		rows := d.Rows(now)
		require.Len(t, rows, 2)
		require.Equal(t, ConversationRow{
			ID:          "1",
			Title:       "bob",
			Avatar:      Avatar{URL: "https://cdn/bob.png", Initials: "B"},
			Preview:     "hi",
			Unread:      3,
			Online:      true,
			LastUpdated: "5 minutes ago",
		}, rows[0])
		require.True(t, rows[1].Active)
		require.Empty(t, rows[1].LastUpdated)
	})
}

func TestDirectorySetOnline(t *testing.T) {
	d := NewDirectory(ann.ID)
	d.Replace([]Conversation{directConv("1", bob)})
	d.SetOnline(bob.ID, false)
	c, _ := d.Get("1")
	require.False(t, c.OtherParticipant.IsOnline)
	require.False(t, c.Participants[1].IsOnline)
}

func TestDirectoryParticipants(t *testing.T) {
	ctx := context.Background()
	dan := User{ID: "4", Username: "dan"}
	api := &memberAPI{}
	d := NewDirectory(ann.ID)
	d.Replace([]Conversation{groupConv("2", ""), directConv("1", bob)})
	d.SetActive("2")

	added, err := d.AddParticipants(ctx, api, "2", []User{dan})
	require.NoError(t, err)
	require.Equal(t, []ID{"4"}, added)
	c, _ := d.Get("2")
	require.Equal(t, "bob, cat_lee, dan", DisplayName(&c, ann.ID))

	// already a member
	_, err = d.AddParticipants(ctx, api, "2", []User{dan})
	require.NoError(t, err)
	c, _ = d.Get("2")
	require.Len(t, c.Participants, 4)

	require.NoError(t, d.RemoveParticipant(ctx, api, "2", bob.ID))
	c, _ = d.Get("2")
	require.Equal(t, "cat_lee, dan", DisplayName(&c, ann.ID))
	require.Equal(t, []ID{"2"}, api.removed)

	require.NoError(t, d.RemoveParticipant(ctx, api, "2", ann.ID))
	require.Equal(t, []ID{"1"}, ids(d.List()))
	require.Empty(t, d.Active())

	api.err = errors.New("forbidden")
	d.Replace([]Conversation{groupConv("2", "")})
	_, err = d.AddParticipants(ctx, api, "2", []User{dan})
	require.Error(t, err)
	require.Error(t, d.RemoveParticipant(ctx, api, "2", cat.ID))
	c, _ = d.Get("2")
	require.Len(t, c.Participants, 3)
}
