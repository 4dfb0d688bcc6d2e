package bridge

import (
	"log/slog"
	"strings"

	"github.com/endl-ch/pumaduct/imclient"
	"github.com/endl-ch/pumaduct/internal/config"
	"github.com/endl-ch/pumaduct/matrix"
)

const pendingInputKey = "pending-input"

// pendingInput is an outstanding back-end input request parked on a
// service room until the user answers.
type pendingInput struct {
	input    *config.Input
	network  string
	extUser  string
	onOK     func(string)
	onCancel func()
}

// Input relays back-end requests for extra user input (second factors,
// captchas and the like) through the service room.
type Input struct {
	base         *Base
	service      *Service
	registration *Registration

	removals []func() error
}

func NewInput(base *Base, service *Service, registration *Registration) *Input {
	return &Input{base: base, service: service, registration: registration}
}

// Enter registers an unmapped callback: input requests routinely fire
// mid-registration, before the account exists.
func (i *Input) Enter() error {
	requestHandle := i.base.AddUnmappedClientsCallback(imclient.EventRequestInput, i.onRequestInput)
	i.removals = append(i.removals, func() error {
		return i.base.RemoveClientsCallback(imclient.EventRequestInput, requestHandle)
	})
	fullMessageHandle := i.service.AddFullMessageHandler(i.onServiceInput)
	i.removals = append(i.removals, func() error {
		return i.service.RemoveFullMessageHandler(fullMessageHandle)
	})
	return nil
}

func (i *Input) Close() error {
	for _, remove := range i.removals {
		if err := remove(); err != nil {
			return err
		}
	}
	i.removals = nil
	return nil
}

func (i *Input) Start() error { return nil }
func (i *Input) Stop()        {}
func (i *Input) Stopped() bool {
	return true
}

// onRequestInput matches the request against the network's configured
// inputs and prompts the owning user in their service room.
func (i *Input) onRequestInput(ev imclient.Event) {
	netConf, ok := i.base.Conf.Networks[ev.Network]
	if !ok {
		slog.Error("no configuration found for network when processing input request",
			"network", ev.Network, "request", ev.Primary)
		return
	}
	for _, inp := range netConf.Inputs {
		if !inp.Matches(ev.Primary) {
			continue
		}
		user, _ := i.base.FindUserAndAccount(ev.Network, ev.ExtUser)
		if user == "" {
			// Mid-registration the account is not created yet; the
			// pending registration knows the service room, which knows
			// the user.
			key := regKey{network: ev.Network, extUser: ev.ExtUser}
			if reg, pending := i.registration.pending[key]; pending {
				if room, ok := i.service.Rooms[reg.roomID]; ok {
					user = room.User
				}
			}
		}
		if user == "" {
			slog.Error("user not found when processing input request",
				"network", ev.Network, "ext_user", ev.ExtUser, "request", ev.Primary)
			return
		}
		roomID, err := i.service.EnsureRoom(user)
		if err != nil {
			slog.Error("cannot ensure service room for input request",
				"user", user, "error", err)
			return
		}
		i.service.Rooms[roomID].Data[pendingInputKey] = &pendingInput{
			input:    inp,
			network:  ev.Network,
			extUser:  ev.ExtUser,
			onOK:     ev.OnOK,
			onCancel: ev.OnCancel,
		}
		i.service.SendMessage(roomID, user, config.ExpandTemplate(inp.Message, map[string]string{
			"title":         ev.Title,
			"primary":       ev.Primary,
			"secondary":     ev.Secondary,
			"default_value": ev.DefaultValue,
			"hs_host":       i.base.HSHost(),
		}))
		return
	}
	slog.Error("unknown input request for network",
		"network", ev.Network, "request", ev.Primary)
}

// onServiceInput consumes the user's answer when the room has a
// pending input request.
func (i *Input) onServiceInput(_ string, event *matrix.Event) bool {
	room, ok := i.service.Rooms[event.RoomID]
	if !ok {
		return false
	}
	pending, ok := room.Data[pendingInputKey].(*pendingInput)
	if !ok {
		return false
	}
	delete(room.Data, pendingInputKey)
	body, _ := event.Content["body"].(string)
	if pending.onOK != nil {
		pending.onOK(strings.TrimSpace(body))
	}
	return true
}
