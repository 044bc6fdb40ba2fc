package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gotd/td/session"
	tdclient "github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"github.com/telefleet/telefleet/internal/models"
	"github.com/telefleet/telefleet/pkg/logger"
)

// DeviceConfig is the device fingerprint presented by worker sessions.
type DeviceConfig struct {
	Model          string
	SystemVersion  string
	AppVersion     string
	LangCode       string
	SystemLangCode string
}

// MTProtoDialer opens worker sessions over MTProto from Telethon-format
// string sessions.
type MTProtoDialer struct {
	apiID       int
	apiHash     string
	device      DeviceConfig
	callTimeout time.Duration
	log         logger.Logger
}

func NewMTProtoDialer(apiID int, apiHash string, device DeviceConfig, callTimeout time.Duration, log logger.Logger) *MTProtoDialer {
	return &MTProtoDialer{
		apiID:       apiID,
		apiHash:     apiHash,
		device:      device,
		callTimeout: callTimeout,
		log:         log,
	}
}

func (d *MTProtoDialer) Dial(ctx context.Context, sessionString string) (Client, error) {
	data, err := session.TelethonSession(sessionString)
	if err != nil {
		return nil, fmt.Errorf("failed to decode session string: %w", err)
	}

	storage := new(session.StorageMemory)
	loader := session.Loader{Storage: storage}
	if err := loader.Save(ctx, data); err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	client := tdclient.NewClient(d.apiID, d.apiHash, tdclient.Options{
		SessionStorage: storage,
		Device: tdclient.DeviceConfig{
			DeviceModel:    d.device.Model,
			SystemVersion:  d.device.SystemVersion,
			AppVersion:     d.device.AppVersion,
			LangCode:       d.device.LangCode,
			SystemLangCode: d.device.SystemLangCode,
		},
	})

	runCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		client:      client,
		cancel:      cancel,
		done:        make(chan struct{}),
		callTimeout: d.callTimeout,
	}

	ready := make(chan error, 1)
	go func() {
		defer close(c.done)
		runErr := client.Run(runCtx, func(ctx context.Context) error {
			status, err := client.Auth().Status(ctx)
			if err != nil {
				ready <- fmt.Errorf("failed to check authorization: %w", err)
				return err
			}
			if !status.Authorized {
				ready <- ErrUnauthorized
				return ErrUnauthorized
			}

			c.selfID = status.User.ID
			c.api = client.API()
			ready <- nil

			// Hold the connection open until the conn is closed.
			<-ctx.Done()
			return ctx.Err()
		})
		if runErr == nil {
			runErr = fmt.Errorf("connection closed")
		}
		select {
		case ready <- runErr:
		default:
		}
	}()

	select {
	case err := <-ready:
		if err != nil {
			cancel()
			<-c.done
			return nil, err
		}
		return c, nil
	case <-ctx.Done():
		cancel()
		<-c.done
		return nil, ctx.Err()
	}
}

type conn struct {
	client      *tdclient.Client
	api         *tg.Client
	selfID      int64
	cancel      context.CancelFunc
	done        chan struct{}
	callTimeout time.Duration
}

func (c *conn) SelfID() int64 { return c.selfID }

func (c *conn) Close() error {
	c.cancel()
	<-c.done
	return nil
}

func (c *conn) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.callTimeout)
}

func (c *conn) ResolveChat(ctx context.Context, chat string) (ChatRef, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if hash, ok := inviteHash(chat); ok {
		invite, err := c.api.MessagesCheckChatInvite(ctx, hash)
		if err != nil {
			return ChatRef{}, classify(err)
		}
		switch inv := invite.(type) {
		case *tg.ChatInviteAlready:
			return refFromChat(inv.Chat)
		case *tg.ChatInvitePeek:
			return refFromChat(inv.Chat)
		default:
			return ChatRef{}, ErrNotJoined
		}
	}

	res, err := c.api.ContactsResolveUsername(ctx, usernameOf(chat))
	if err != nil {
		return ChatRef{}, classify(err)
	}

	for _, raw := range res.Chats {
		if channel, ok := raw.(*tg.Channel); ok {
			return ChatRef{ID: channel.ID, AccessHash: channel.AccessHash, Title: channel.Title}, nil
		}
	}
	return ChatRef{}, fmt.Errorf("%q does not resolve to a channel or supergroup", chat)
}

func (c *conn) JoinChat(ctx context.Context, chat string) (ChatRef, error) {
	if hash, ok := inviteHash(chat); ok {
		joinCtx, cancel := c.withTimeout(ctx)
		updates, err := c.api.MessagesImportChatInvite(joinCtx, hash)
		cancel()
		if err != nil {
			if tgerr.Is(err, string(KindAlreadyParticipant)) {
				return c.ResolveChat(ctx, chat)
			}
			return ChatRef{}, classify(err)
		}
		if u, ok := updates.(*tg.Updates); ok {
			for _, raw := range u.Chats {
				if channel, ok := raw.(*tg.Channel); ok {
					return ChatRef{ID: channel.ID, AccessHash: channel.AccessHash, Title: channel.Title}, nil
				}
			}
		}
		return c.ResolveChat(ctx, chat)
	}

	ref, err := c.ResolveChat(ctx, chat)
	if err != nil {
		return ChatRef{}, err
	}

	joinCtx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err = c.api.ChannelsJoinChannel(joinCtx, &tg.InputChannel{
		ChannelID:  ref.ID,
		AccessHash: ref.AccessHash,
	})
	if err != nil && !tgerr.Is(err, string(KindAlreadyParticipant)) {
		return ChatRef{}, classify(err)
	}
	return ref, nil
}

func (c *conn) Participants(ctx context.Context, chat ChatRef, offset, limit int) ([]models.Candidate, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	res, err := c.api.ChannelsGetParticipants(ctx, &tg.ChannelsGetParticipantsRequest{
		Channel:    &tg.InputChannel{ChannelID: chat.ID, AccessHash: chat.AccessHash},
		Filter:     &tg.ChannelParticipantsRecent{},
		Offset:     offset,
		Limit:      limit,
		Hash:       0,
	})
	if err != nil {
		return nil, classify(err)
	}

	page, ok := res.(*tg.ChannelsChannelParticipants)
	if !ok {
		// channelsChannelParticipantsNotModified: nothing new at this offset.
		return nil, nil
	}

	candidates := make([]models.Candidate, 0, len(page.Users))
	for _, raw := range page.Users {
		user, ok := raw.(*tg.User)
		if !ok {
			continue
		}
		candidates = append(candidates, models.Candidate{
			UserID:     user.ID,
			AccessHash: user.AccessHash,
			Username:   user.Username,
			FirstName:  user.FirstName,
			Bot:        user.Bot,
			Deleted:    user.Deleted,
			Self:       user.Self || user.ID == c.selfID,
		})
	}
	return candidates, nil
}

func (c *conn) Invite(ctx context.Context, chat ChatRef, candidate models.Candidate) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	_, err := c.api.ChannelsInviteToChannel(ctx, &tg.ChannelsInviteToChannelRequest{
		Channel: &tg.InputChannel{ChannelID: chat.ID, AccessHash: chat.AccessHash},
		Users: []tg.InputUserClass{
			&tg.InputUser{UserID: candidate.UserID, AccessHash: candidate.AccessHash},
		},
	})
	return classify(err)
}

func refFromChat(chat tg.ChatClass) (ChatRef, error) {
	if channel, ok := chat.(*tg.Channel); ok {
		return ChatRef{ID: channel.ID, AccessHash: channel.AccessHash, Title: channel.Title}, nil
	}
	return ChatRef{}, fmt.Errorf("chat %d is not a channel or supergroup", chat.GetID())
}

// inviteHash extracts the hash from a private invite link. Accepted forms:
// t.me/+hash, t.me/joinchat/hash (with or without scheme) and a bare +hash.
func inviteHash(chat string) (string, bool) {
	s := strings.TrimPrefix(chat, "https://")
	s = strings.TrimPrefix(s, "http://")
	s = strings.TrimPrefix(s, "t.me/")

	switch {
	case strings.HasPrefix(s, "+"):
		return strings.TrimPrefix(s, "+"), true
	case strings.HasPrefix(s, "joinchat/"):
		return strings.TrimPrefix(s, "joinchat/"), true
	default:
		return "", false
	}
}

func usernameOf(chat string) string {
	s := strings.TrimPrefix(chat, "https://")
	s = strings.TrimPrefix(s, "http://")
	s = strings.TrimPrefix(s, "t.me/")
	return strings.TrimPrefix(s, "@")
}
