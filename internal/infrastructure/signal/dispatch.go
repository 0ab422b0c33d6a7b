package signal

import (
	"context"
	"encoding/json"
	"fmt"

	"roomctl/internal/core/domain"
	"roomctl/internal/core/ports"
	apperrors "roomctl/pkg/errors"
	"roomctl/pkg/validation"
)

// Request is one control call sent by a session agent.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Room   string          `json:"room,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers the Request with the same id.
type Response struct {
	ID     string         `json:"id"`
	OK     bool           `json:"ok"`
	Result any            `json:"result,omitempty"`
	Error  *ResponseError `json:"error,omitempty"`
}

type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Notification is pushed to connections that have talked about Room.
type Notification struct {
	Event domain.RoomEvent `json:"event"`
}

func errorResponse(id string, err error) Response {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return Response{ID: id, Error: &ResponseError{Code: string(appErr.Code), Message: appErr.Message}}
	}
	return Response{ID: id, Error: &ResponseError{Code: string(apperrors.ErrCodeInternal), Message: err.Error()}}
}

type params struct {
	Participant  string          `json:"participant"`
	Stream       string          `json:"stream"`
	Subscription string          `json:"subscription"`
	View         string          `json:"view"`
	Region       string          `json:"region"`
	Track        string          `json:"track"`
	Status       string          `json:"status"`
	ID           string          `json:"id"`
	InputID      string          `json:"inputId"`
	Duration     int             `json:"duration"`
	AccessNode   domain.Locality `json:"accessNode"`

	PublishInfo   *domain.PublishInfo      `json:"publishInfo"`
	SubscribeInfo *domain.SubscribeInfo    `json:"subscribeInfo"`
	Update        *domain.StreamInfoUpdate `json:"update"`

	Layout json.RawMessage `json:"layout"`
	Scene  json.RawMessage `json:"scene"`
	Text   json.RawMessage `json:"text"`
	Data   json.RawMessage `json:"data"`

	Fault *domain.Fault `json:"fault"`
}

type handlerFunc func(ctx context.Context, room ports.RoomController, p *params) (any, error)

// Dispatcher maps control methods onto room controllers.
type Dispatcher struct {
	rooms    ports.RoomManager
	handlers map[string]handlerFunc
}

func NewDispatcher(rooms ports.RoomManager) *Dispatcher {
	d := &Dispatcher{rooms: rooms}
	d.handlers = map[string]handlerFunc{
		"publish": func(ctx context.Context, r ports.RoomController, p *params) (any, error) {
			if p.PublishInfo == nil {
				return nil, apperrors.NewInvalidInputError("publishInfo is required")
			}
			if err := firstErr(validation.ValidateParticipantID(p.Participant), validation.ValidateStreamID(p.Stream)); err != nil {
				return nil, err
			}
			return nil, r.Publish(ctx, p.Participant, p.Stream, p.AccessNode, *p.PublishInfo)
		},
		"unpublish": func(ctx context.Context, r ports.RoomController, p *params) (any, error) {
			return nil, r.Unpublish(ctx, p.Participant, p.Stream)
		},
		"subscribe": func(ctx context.Context, r ports.RoomController, p *params) (any, error) {
			if p.SubscribeInfo == nil {
				return nil, apperrors.NewInvalidInputError("subscribeInfo is required")
			}
			if err := firstErr(validation.ValidateParticipantID(p.Participant), validation.ValidateSubscriptionID(p.Subscription)); err != nil {
				return nil, err
			}
			return nil, r.Subscribe(ctx, p.Participant, p.Subscription, p.AccessNode, *p.SubscribeInfo)
		},
		"unsubscribe": func(ctx context.Context, r ports.RoomController, p *params) (any, error) {
			return nil, r.Unsubscribe(ctx, p.Participant, p.Subscription)
		},
		"updateStream": func(ctx context.Context, r ports.RoomController, p *params) (any, error) {
			if err := firstErr(validation.ValidateTrackKind(p.Track), validation.ValidateTrackStatus(p.Status)); err != nil {
				return nil, err
			}
			return nil, r.UpdateStream(ctx, p.Stream, p.Track, domain.TrackStatus(p.Status))
		},
		"updateStreamInfo": func(ctx context.Context, r ports.RoomController, p *params) (any, error) {
			if p.Update == nil {
				return nil, apperrors.NewInvalidInputError("update is required")
			}
			return nil, r.UpdateStreamInfo(ctx, p.Stream, *p.Update)
		},
		"mix": func(ctx context.Context, r ports.RoomController, p *params) (any, error) {
			return nil, r.Mix(ctx, p.Stream, p.View)
		},
		"unmix": func(ctx context.Context, r ports.RoomController, p *params) (any, error) {
			return nil, r.Unmix(ctx, p.Stream, p.View)
		},
		"getRegion": func(ctx context.Context, r ports.RoomController, p *params) (any, error) {
			return r.GetRegion(ctx, p.Stream, p.View)
		},
		"setRegion": func(ctx context.Context, r ports.RoomController, p *params) (any, error) {
			return nil, r.SetRegion(ctx, p.Stream, p.Region, p.View)
		},
		"setLayout": func(ctx context.Context, r ports.RoomController, p *params) (any, error) {
			return r.SetLayout(ctx, p.View, p.Layout)
		},
		"setScene": func(ctx context.Context, r ports.RoomController, p *params) (any, error) {
			return nil, r.SetScene(ctx, p.View, p.Scene)
		},
		"setPrimary": func(ctx context.Context, r ports.RoomController, p *params) (any, error) {
			return nil, r.SetPrimary(ctx, p.Stream, p.View)
		},
		"drawText": func(ctx context.Context, r ports.RoomController, p *params) (any, error) {
			return nil, r.DrawText(ctx, p.Stream, p.Text, p.Duration)
		},
		"dropStaticParticipant": func(ctx context.Context, r ports.RoomController, p *params) (any, error) {
			return nil, r.DropStaticParticipant(ctx, p.ID)
		},
		"updateStaticParticipant": func(ctx context.Context, r ports.RoomController, p *params) (any, error) {
			return nil, r.UpdateStaticParticipant(ctx, p.ID, p.Data)
		},
		"selectAudio": func(ctx context.Context, r ports.RoomController, p *params) (any, error) {
			return nil, r.SelectAudio(ctx, p.Stream)
		},
		"getMixedStreams": func(_ context.Context, r ports.RoomController, _ *params) (any, error) {
			return r.GetMixedStreams(), nil
		},
		"getMixedStream": func(_ context.Context, r ports.RoomController, p *params) (any, error) {
			id, ok := r.GetMixedStream(p.View)
			if !ok {
				return nil, apperrors.NewNotFoundError("view " + p.View)
			}
			return id, nil
		},
		"getActiveAudioNode": func(_ context.Context, r ports.RoomController, _ *params) (any, error) {
			loc, ok := r.GetActiveAudioNode()
			if !ok {
				return nil, apperrors.NewNotFoundError("audio selector")
			}
			return loc, nil
		},
		"getActiveAudioStreams": func(_ context.Context, r ports.RoomController, _ *params) (any, error) {
			return r.GetActiveAudioStreams(), nil
		},
		"getViewCapability": func(_ context.Context, r ports.RoomController, p *params) (any, error) {
			capability, ok := r.GetViewCapability(p.View)
			if !ok {
				return nil, apperrors.NewNotFoundError("view " + p.View)
			}
			return capability, nil
		},
		"getParticipantFromInputId": func(_ context.Context, r ports.RoomController, p *params) (any, error) {
			participant, ok := r.GetParticipantFromInputID(p.InputID)
			if !ok {
				return nil, apperrors.NewNotFoundError("input " + p.InputID)
			}
			return participant, nil
		},
		"getRoom": func(_ context.Context, r ports.RoomController, _ *params) (any, error) {
			return r.Snapshot(), nil
		},
	}
	return d
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return apperrors.NewInvalidInputError(err.Error())
		}
	}
	return nil
}

// Dispatch runs req. Room lifecycle and fault methods are handled here;
// every other method needs an existing room.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (any, error) {
	var p params
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, apperrors.NewInvalidInputError(fmt.Sprintf("invalid params: %v", err))
		}
	}

	switch req.Method {
	case "onFaultDetected":
		if p.Fault == nil || p.Fault.ID == "" {
			return nil, apperrors.NewInvalidInputError("fault with id is required")
		}
		d.rooms.OnFaultDetected(ctx, *p.Fault)
		return nil, nil
	case "listRooms":
		return d.rooms.Rooms(), nil
	}

	if err := validation.ValidateRoomID(req.Room); err != nil {
		return nil, apperrors.NewInvalidInputError(err.Error())
	}
	switch req.Method {
	case "createRoom":
		if _, err := d.rooms.CreateRoom(ctx, req.Room); err != nil {
			return nil, err
		}
		return nil, nil
	case "destroyRoom":
		return nil, d.rooms.DestroyRoom(ctx, req.Room)
	}

	handler, ok := d.handlers[req.Method]
	if !ok {
		return nil, apperrors.NewInvalidInputError("unknown method " + req.Method)
	}
	room, err := d.rooms.Room(req.Room)
	if err != nil {
		return nil, err
	}
	return handler(ctx, room, &p)
}
