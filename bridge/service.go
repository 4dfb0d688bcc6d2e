package bridge

import (
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/endl-ch/pumaduct/matrix"
)

// ServiceRoom is the 1-to-1 room between a user and the service user.
// Data is a scratch bag for multi-step protocols such as pending
// input requests.
type ServiceRoom struct {
	User string
	Data map[string]any
}

// CommandFunc handles one recognized service command; args includes
// the command word itself.
type CommandFunc func(txnID string, event *matrix.Event, args []string)

// FullMessageFunc gets first shot at a whole service-room message;
// returning true stops further processing.
type FullMessageFunc func(txnID string, event *matrix.Event) bool

type commandCallback struct {
	handle      int
	fn          CommandFunc
	description string
}

type fullMessageCallback struct {
	handle int
	fn     FullMessageFunc
}

// Service owns the service user, its rooms, and the in-chat command
// framework.
type Service struct {
	base     *Base
	messages *Messages

	// Rooms indexes service rooms by room id; at most one per user.
	Rooms map[string]*ServiceRoom

	User        string
	displayName string

	commands     map[string][]*commandCallback
	fullMessage  []*fullMessageCallback
	nextHandle   int
	removeMsgsCb func() error
}

func NewService(base *Base, messages *Messages) *Service {
	return &Service{
		base:        base,
		messages:    messages,
		Rooms:       map[string]*ServiceRoom{},
		User:        "@" + base.Conf.ServiceLocalpart + ":" + base.HSHost(),
		displayName: base.Conf.ServiceDisplayName,
		commands:    map[string][]*commandCallback{},
	}
}

func (s *Service) Enter() error {
	handle := s.base.AddTransactionCallback("m.room.message", s.onTransactionMessage)
	s.removeMsgsCb = func() error {
		return s.base.RemoveTransactionCallback("m.room.message", handle)
	}
	return nil
}

func (s *Service) Close() error {
	if s.removeMsgsCb != nil {
		if err := s.removeMsgsCb(); err != nil {
			return err
		}
		s.removeMsgsCb = nil
	}
	return nil
}

// Start registers the service user when needed. Synapse hands out
// presence even for unregistered users, so an empty profile is the
// indicator that the user does not exist yet.
func (s *Service) Start() error {
	profile, err := s.base.Matrix.GetUserProfile(s.base.Ctx(), s.User)
	if err != nil || profile == nil || profile.DisplayName == nil {
		if err := s.base.Matrix.RegisterUser(s.base.Ctx(), s.User); err != nil {
			slog.Warn("failed to register service user", "user", s.User, "error", err)
		}
		if err := s.base.Matrix.SetUserDisplayName(s.base.Ctx(), s.User, s.displayName); err != nil {
			slog.Warn("failed to set service display name", "user", s.User, "error", err)
		}
	}
	return nil
}

func (s *Service) Stop() {}

func (s *Service) Stopped() bool {
	return true
}

// AddCommand registers a handler for the given command word; the
// description shows up in the usage block.
func (s *Service) AddCommand(cmd string, fn CommandFunc, description string) int {
	s.nextHandle++
	s.commands[cmd] = append(s.commands[cmd],
		&commandCallback{handle: s.nextHandle, fn: fn, description: description})
	return s.nextHandle
}

// RemoveCommand removes a previously added command handler.
func (s *Service) RemoveCommand(cmd string, handle int) error {
	entries := s.commands[cmd]
	for i, entry := range entries {
		if entry.handle == handle {
			s.commands[cmd] = append(entries[:i:i], entries[i+1:]...)
			if len(s.commands[cmd]) == 0 {
				delete(s.commands, cmd)
			}
			return nil
		}
	}
	return errorsNotFoundf("service command %q", cmd)
}

// AddFullMessageHandler registers a handler that is offered whole
// service-room messages before command parsing.
func (s *Service) AddFullMessageHandler(fn FullMessageFunc) int {
	s.nextHandle++
	s.fullMessage = append(s.fullMessage, &fullMessageCallback{handle: s.nextHandle, fn: fn})
	return s.nextHandle
}

// RemoveFullMessageHandler removes a previously added handler.
func (s *Service) RemoveFullMessageHandler(handle int) error {
	for i, entry := range s.fullMessage {
		if entry.handle == handle {
			s.fullMessage = append(s.fullMessage[:i:i], s.fullMessage[i+1:]...)
			return nil
		}
	}
	return errorsNotFoundf("full-message handler")
}

// EnsureRoom finds or creates the service room for the user.
func (s *Service) EnsureRoom(user string) (string, error) {
	for roomID, room := range s.Rooms {
		if room.User == user {
			return roomID, nil
		}
	}
	roomID, err := s.base.Matrix.CreateRoom(s.base.Ctx(), s.User, []string{user})
	if err != nil {
		return "", err
	}
	s.room(roomID).User = user
	return roomID, nil
}

// SendMessage sends a plain-text message from the service user at the
// current wall-clock time.
func (s *Service) SendMessage(roomID, user, text string) {
	s.messages.sendMessageToMatrix(
		nil, roomID, s.User, user, time.Now().UTC(),
		map[string]any{"msgtype": "m.text", "body": text}, false)
}

// room returns the service room entry, creating it if needed.
func (s *Service) room(roomID string) *ServiceRoom {
	if r, ok := s.Rooms[roomID]; ok {
		return r
	}
	r := &ServiceRoom{Data: map[string]any{}}
	s.Rooms[roomID] = r
	return r
}

// onTransactionMessage routes a home-server message either through the
// command framework (service rooms) or the normal message path.
func (s *Service) onTransactionMessage(txnID string, event *matrix.Event) {
	roomID := event.RoomID
	if _, ok := s.Rooms[roomID]; !ok {
		// Not a service message; handle it via the normal channel.
		s.messages.processTransactionMessage(txnID, event)
		return
	}
	sender := event.Sender
	if sender == s.User {
		return
	}
	for _, entry := range s.fullMessage {
		if entry.fn(txnID, event) {
			return
		}
	}
	// Nobody consumed the message as a whole; interpret it as a list
	// of commands.
	body, _ := event.Content["body"].(string)
	for _, cmd := range strings.Split(body, "\n") {
		args, err := shellwords.Parse(cmd)
		if err != nil {
			slog.Warn("cannot tokenize service command", "error", err)
			continue
		}
		if len(args) == 0 {
			continue
		}
		if entries, ok := s.commands[args[0]]; ok {
			for _, entry := range entries {
				entry.fn(txnID, event, args)
			}
			continue
		}
		if args[0] == "help" {
			s.SendMessage(roomID, sender, s.usage())
			continue
		}
		s.SendMessage(roomID, sender, "Unknown command: '"+cmd+"'\n"+s.usage())
		return
	}
}

func (s *Service) usage() string {
	var descriptions []string
	for _, entries := range s.commands {
		for _, entry := range entries {
			if entry.description != "" {
				descriptions = append(descriptions, entry.description)
			}
		}
	}
	sort.Strings(descriptions)
	return "Usage:\n" + strings.Join(descriptions, "\n") + "\nhelp - this help"
}
